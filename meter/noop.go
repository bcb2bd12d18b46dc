package meter

import "github.com/freerouter-dev/freerouter"

// NoopMeter discards every event. A Router built without an explicit meter
// uses its own equivalent internal no-op meter, not this type.
type NoopMeter struct{}

var _ freerouter.Meter = NoopMeter{}

func (NoopMeter) OnRoute(freerouter.RouteEvent)   {}
func (NoopMeter) OnResult(freerouter.ResultEvent) {}
