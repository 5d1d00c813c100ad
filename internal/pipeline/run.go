package pipeline

import (
	"context"

	"github.com/ggonzalez94/pactplay/internal/command"
	clierr "github.com/ggonzalez94/pactplay/internal/errors"
	"github.com/ggonzalez94/pactplay/internal/pact"
	"github.com/ggonzalez94/pactplay/internal/wallet"
)

type State string

const (
	StateBuilt           State = "built"
	StateLocallyExecuted State = "locally_executed"
	StateSigned          State = "signed"
	StateBroadcast       State = "broadcast"
	StatePolling         State = "polling"
	StateConfirmed       State = "confirmed"
	StateFailed          State = "failed"
)

type SubmitOptions struct {
	// Local dry runs the request first and stops on a failed result. The run
	// stays in StateBuilt so it can be resubmitted.
	Local bool
	Mode  Mode
	// NoWait stops after broadcast.
	NoWait bool
}

// Run tracks one request through the pipeline.
type Run struct {
	State   State                    `json:"state"`
	Request command.Request          `json:"request"`
	Local   *pact.CommandResult      `json:"local,omitempty"`
	Payload *wallet.SignedPayload    `json:"payload,omitempty"`
	Record  *wallet.SubmissionRecord `json:"record,omitempty"`
	Error   string                   `json:"error,omitempty"`
}

func NewRun(req command.Request) *Run {
	return &Run{State: StateBuilt, Request: req}
}

// Submit drives the run forward from its current state. No stage runs after
// a failed one; the returned error carries the failing stage. A failed dry
// run is reported without finishing the run.
func (p *Pipeline) Submit(ctx context.Context, run *Run, opts SubmitOptions) error {
	if run.State == StateFailed || run.State == StateConfirmed {
		return stageUsage(clierr.StageBuild, "run already finished in state "+string(run.State))
	}
	err := p.submit(ctx, run, opts)
	if err != nil {
		run.Error = err.Error()
		if typed, ok := clierr.As(err); !ok || typed.Stage != clierr.StageLocal {
			run.State = StateFailed
		}
		return err
	}
	run.Error = ""
	return nil
}

func (p *Pipeline) submit(ctx context.Context, run *Run, opts SubmitOptions) error {
	if run.State == StateBuilt && opts.Local {
		res, err := p.ExecuteLocally(ctx, run.Request)
		if err != nil {
			return err
		}
		run.Local = &res
		if res.Result.Status != pact.StatusSuccess {
			return &clierr.Error{Code: clierr.CodeRemote, Stage: clierr.StageLocal, Message: "dry run failed: " + res.ErrorMessage()}
		}
		run.State = StateLocallyExecuted
	}
	if run.State == StateBuilt || run.State == StateLocallyExecuted {
		payload, err := p.Sign(ctx, run.Request)
		if err != nil {
			return err
		}
		run.Payload = &payload
		run.State = StateSigned
	}
	if run.State == StateSigned {
		rec, err := p.Broadcast(ctx, *run.Payload)
		if err != nil {
			return err
		}
		run.Record = &rec
		run.State = StateBroadcast
	}
	if opts.NoWait {
		return nil
	}
	run.State = StatePolling
	rec, err := p.AwaitConfirmation(ctx, *run.Record, opts.Mode)
	run.Record = &rec
	if err != nil {
		return err
	}
	if rec.Status == wallet.StatusFailed {
		msg := "transaction failed on chain"
		if rec.Result != nil && rec.Result.ErrorMessage() != "" {
			msg += ": " + rec.Result.ErrorMessage()
		}
		return &clierr.Error{Code: clierr.CodeRemote, Stage: clierr.StageConfirm, Message: msg}
	}
	run.State = StateConfirmed
	return nil
}
