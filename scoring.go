package freerouter

// DimensionWeights holds the per-dimension weights applied by the
// classifier. The 14 main-score weights should sum to approximately 1.0;
// AgenticTask feeds a separate agenticScore and is not part of that sum.
type DimensionWeights struct {
	TokenCount          float64 `json:"tokenCount"`
	CodePresence        float64 `json:"codePresence"`
	ReasoningMarkers    float64 `json:"reasoningMarkers"`
	TechnicalTerms      float64 `json:"technicalTerms"`
	CreativeMarkers     float64 `json:"creativeMarkers"`
	SimpleIndicators    float64 `json:"simpleIndicators"`
	MultiStepPatterns   float64 `json:"multiStepPatterns"`
	QuestionComplexity  float64 `json:"questionComplexity"`
	ImperativeVerbs     float64 `json:"imperativeVerbs"`
	ConstraintCount     float64 `json:"constraintCount"`
	OutputFormat        float64 `json:"outputFormat"`
	ReferenceComplexity float64 `json:"referenceComplexity"`
	NegationComplexity  float64 `json:"negationComplexity"`
	DomainSpecificity   float64 `json:"domainSpecificity"`
	AgenticTask         float64 `json:"agenticTask"`
}

// TierBoundaries are the three score thresholds that separate the four
// tiers: score < B1 -> SIMPLE, < B2 -> MEDIUM, < B3 -> COMPLEX, else
// REASONING.
type TierBoundaries struct {
	B1 float64 `json:"simpleMedium"`
	B2 float64 `json:"mediumComplex"`
	B3 float64 `json:"complexReasoning"`
}

// TokenBands are the userTokens thresholds used by the tokenCount
// dimension: at or below Simple, the dimension contributes negatively; at
// or above Complex, positively.
type TokenBands struct {
	Simple  int64 `json:"simple"`
	Complex int64 `json:"complex"`
}

// KeywordLists holds the per-dimension keyword tables. Every list is
// multilingual, covering at minimum English, Chinese, Japanese, Russian,
// and German.
type KeywordLists struct {
	Code           []string `json:"code"`
	Reasoning      []string `json:"reasoning"`
	Simple         []string `json:"simple"`
	Technical      []string `json:"technical"`
	Creative       []string `json:"creative"`
	Imperative     []string `json:"imperative"`
	Constraint     []string `json:"constraint"`
	OutputFormat   []string `json:"outputFormat"`
	Reference      []string `json:"reference"`
	Negation       []string `json:"negation"`
	DomainSpecific []string `json:"domainSpecific"`
	Agentic        []string `json:"agentic"`
}

// ScoringConfig is the full, overridable configuration for the classifier.
type ScoringConfig struct {
	Weights DimensionWeights `json:"weights"`

	// Boundaries is populated from the top-level tierBoundaries config field
	// after load; it is not independently settable under scoring.
	Boundaries              TierBoundaries `json:"-"`
	ConfidenceSteepness     float64        `json:"confidenceSteepness"`
	ConfidenceThreshold     float64        `json:"confidenceThreshold"`
	TokenBands              TokenBands     `json:"tokenBands"`
	Keywords                KeywordLists   `json:"keywords"`
	MaxTokensForceComplex   int64          `json:"maxTokensForceComplex"`
	StructuredOutputMinTier Tier           `json:"structuredOutputMinTier"`
	AmbiguousDefaultTier    Tier           `json:"ambiguousDefaultTier"`
	AgenticThreshold        float64        `json:"agenticThreshold"`
}

// DefaultScoringConfig returns the built-in scoring configuration. Every
// field is independently overridable via config.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		Weights: DimensionWeights{
			TokenCount:          0.10,
			CodePresence:        0.12,
			ReasoningMarkers:    0.16,
			TechnicalTerms:      0.08,
			CreativeMarkers:     0.04,
			SimpleIndicators:    0.12,
			MultiStepPatterns:   0.09,
			QuestionComplexity:  0.06,
			ImperativeVerbs:     0.05,
			ConstraintCount:     0.06,
			OutputFormat:        0.05,
			ReferenceComplexity: 0.03,
			NegationComplexity:  0.02,
			DomainSpecificity:   0.11,
			AgenticTask:         0.0, // feeds agenticScore only, not the main sum
		},
		Boundaries:              TierBoundaries{B1: 0.0, B2: 0.03, B3: 0.15},
		ConfidenceSteepness:     8.0,
		ConfidenceThreshold:     0.50,
		TokenBands:              TokenBands{Simple: 5, Complex: 40},
		Keywords:                defaultKeywordLists(),
		MaxTokensForceComplex:   100_000,
		StructuredOutputMinTier: TierMedium,
		AmbiguousDefaultTier:    TierMedium,
		AgenticThreshold:        0.69,
	}
}

func defaultKeywordLists() KeywordLists {
	return KeywordLists{
		Code: []string{
			// English
			"function", "class", "implement", "refactor", "compile", "debug", "algorithm", "variable", "loop", "recursion",
			// Chinese
			"函数", "代码", "编译", "调试", "算法", "变量",
			// Japanese
			"関数", "コード", "実装", "デバッグ", "アルゴリズム",
			// Russian
			"функция", "код", "компилировать", "отладка", "алгоритм",
			// German
			"funktion", "klasse", "implementieren", "quellcode", "algorithmus",
		},
		Reasoning: []string{
			// English
			"why", "prove", "explain the reasoning", "analyze", "derive", "reasoning", "logic", "because", "therefore", "conclude",
			// Chinese
			"为什么", "证明", "推理", "分析", "逻辑",
			// Japanese
			"なぜ", "証明", "推論", "分析", "論理",
			// Russian
			"почему", "докажи", "рассуждение", "анализ", "логика",
			// German
			"warum", "beweise", "begründung", "analysiere", "logik",
		},
		Simple: []string{
			// English
			"hi", "hello", "thanks", "what is", "quick question", "simple", "just", "ok", "yes", "no",
			// Chinese
			"你好", "谢谢", "简单", "是", "不是",
			// Japanese
			"こんにちは", "ありがとう", "簡単", "はい", "いいえ",
			// Russian
			"привет", "спасибо", "просто", "да", "нет",
			// German
			"hallo", "danke", "einfach", "ja", "nein",
		},
		Technical: []string{
			// English
			"architecture", "protocol", "latency", "throughput", "database", "api", "infrastructure", "concurrency", "distributed", "kernel",
			// Chinese
			"架构", "协议", "数据库", "并发", "分布式",
			// Japanese
			"アーキテクチャ", "プロトコル", "データベース", "並行性", "分散",
			// Russian
			"архитектура", "протокол", "база данных", "параллелизм", "распределенный",
			// German
			"architektur", "protokoll", "datenbank", "nebenläufigkeit", "verteilt",
		},
		Creative: []string{
			// English
			"story", "poem", "imagine", "creative", "write a", "fiction", "metaphor", "narrative",
			// Chinese
			"故事", "诗歌", "想象", "创意",
			// Japanese
			"物語", "詩", "想像", "創造的",
			// Russian
			"рассказ", "стихотворение", "представь", "творческий",
			// German
			"geschichte", "gedicht", "stell dir vor", "kreativ",
		},
		Imperative: []string{
			// English
			"write", "build", "create", "implement", "fix", "generate", "design", "optimize", "refactor", "deploy",
			// Chinese
			"写", "构建", "创建", "实现", "修复", "生成",
			// Japanese
			"書いて", "作って", "実装して", "修正して", "生成して",
			// Russian
			"напиши", "создай", "реализуй", "исправь", "сгенерируй",
			// German
			"schreibe", "baue", "erstelle", "implementiere", "behebe",
		},
		Constraint: []string{
			// English
			"must", "should not", "at least", "at most", "within", "only if", "required", "constraint", "limit", "no more than",
			// Chinese
			"必须", "不得", "至少", "最多", "限制",
			// Japanese
			"必須", "してはいけない", "少なくとも", "制約",
			// Russian
			"должен", "не должен", "по крайней мере", "ограничение",
			// German
			"muss", "darf nicht", "mindestens", "höchstens", "einschränkung",
		},
		OutputFormat: []string{
			// English
			"json", "table", "bullet points", "markdown", "csv", "yaml", "xml", "format the output", "schema", "structured",
			// Chinese
			"表格", "格式", "结构化",
			// Japanese
			"表形式", "フォーマット", "構造化",
			// Russian
			"таблица", "формат", "структурированный",
			// German
			"tabelle", "format", "strukturiert",
		},
		Reference: []string{
			// English
			"as mentioned", "as above", "the previous", "that one", "referring to", "earlier you said", "as discussed",
			// Chinese
			"如前所述", "上面的", "之前提到的",
			// Japanese
			"前述の", "上記の", "先ほどの",
			// Russian
			"как упоминалось", "вышеуказанный", "ранее",
			// German
			"wie erwähnt", "oben genannte", "vorherige",
		},
		Negation: []string{
			// English
			"not", "never", "without", "don't", "cannot", "except", "excluding",
			// Chinese
			"不", "没有", "除了",
			// Japanese
			"ない", "なし", "除いて",
			// Russian
			"не", "никогда", "без", "кроме",
			// German
			"nicht", "nie", "ohne", "außer",
		},
		DomainSpecific: []string{
			// English
			"kubernetes", "blockchain", "genome", "quantum", "thermodynamics", "jurisprudence", "taxonomy", "pharmacokinetics",
			// Chinese
			"量子", "基因组", "区块链",
			// Japanese
			"量子", "ゲノム", "ブロックチェーン",
			// Russian
			"квантовый", "геном", "блокчейн",
			// German
			"quanten", "genom", "blockchain",
		},
		Agentic: []string{
			// English
			"use the tool", "call the function", "run the command", "execute", "search the web", "read the file", "agent", "autonomously",
			// Chinese
			"使用工具", "调用函数", "执行命令", "代理",
			// Japanese
			"ツールを使って", "関数を呼び出して", "コマンドを実行", "エージェント",
			// Russian
			"используй инструмент", "вызови функцию", "выполни команду", "агент",
			// German
			"benutze das werkzeug", "rufe die funktion auf", "führe den befehl aus", "agent",
		},
	}
}
