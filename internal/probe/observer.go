package probe

import "github.com/modmoto/w3champions-launcher/internal/model"

// Observer receives network test lifecycle events.
type Observer interface {
	OnStart()
	// OnProgress carries the completion percentage (0-100) of the first node.
	OnProgress(percent int)
	OnResult(report model.NetworkTestReport)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Start    func()
	Progress func(percent int)
	Result   func(report model.NetworkTestReport)
}

func (o ObserverFuncs) OnStart() {
	if o.Start != nil {
		o.Start()
	}
}

func (o ObserverFuncs) OnProgress(percent int) {
	if o.Progress != nil {
		o.Progress(percent)
	}
}

func (o ObserverFuncs) OnResult(report model.NetworkTestReport) {
	if o.Result != nil {
		o.Result(report)
	}
}
