package jobs

import "context"

// LifecycleHooks receives callbacks on job transitions. Implementations
// should be fast and non-blocking and handle their own errors; the queue
// fires them outside its lock from a single dispatch goroutine, in the
// order the transitions they describe were applied.
type LifecycleHooks interface {
	OnEnqueue(ctx context.Context, job *Job)
	OnDequeue(ctx context.Context, job *Job)
	OnComplete(ctx context.Context, job *Job)
	OnFail(ctx context.Context, job *Job, reason string)
	OnCancel(ctx context.Context, job *Job)
}

// NoopHooks is the default hook implementation.
type NoopHooks struct{}

func (NoopHooks) OnEnqueue(ctx context.Context, job *Job)             {}
func (NoopHooks) OnDequeue(ctx context.Context, job *Job)             {}
func (NoopHooks) OnComplete(ctx context.Context, job *Job)            {}
func (NoopHooks) OnFail(ctx context.Context, job *Job, reason string) {}
func (NoopHooks) OnCancel(ctx context.Context, job *Job)              {}

// MultiHooks fans out events to several hook implementations.
type MultiHooks []LifecycleHooks

func (m MultiHooks) OnEnqueue(ctx context.Context, job *Job) {
	for _, h := range m {
		if h != nil {
			h.OnEnqueue(ctx, job)
		}
	}
}

func (m MultiHooks) OnDequeue(ctx context.Context, job *Job) {
	for _, h := range m {
		if h != nil {
			h.OnDequeue(ctx, job)
		}
	}
}

func (m MultiHooks) OnComplete(ctx context.Context, job *Job) {
	for _, h := range m {
		if h != nil {
			h.OnComplete(ctx, job)
		}
	}
}

func (m MultiHooks) OnFail(ctx context.Context, job *Job, reason string) {
	for _, h := range m {
		if h != nil {
			h.OnFail(ctx, job, reason)
		}
	}
}

func (m MultiHooks) OnCancel(ctx context.Context, job *Job) {
	for _, h := range m {
		if h != nil {
			h.OnCancel(ctx, job)
		}
	}
}
