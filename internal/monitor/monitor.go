package monitor

import "context"

// Monitor is one supervised portal-watching task. Run blocks until the
// context is canceled, driving the portal's own polling loop; Login exposes
// the gate the orchestrator waits on before starting the next portal.
//
// The browser-driven EMR monitors live outside this repository and plug in
// through this interface; the paper-chart monitor is the one portal
// implemented in-process.
type Monitor interface {
	Name() string
	Run(ctx context.Context) error
	Login() *LoginStatus
}
