// Package pool manages a fixed set of reusable backend-session slots.
//
// Each slot owns one session channel and moves through
// initializing -> available -> busy with controlled recycling:
//   - A fresh session must pass a deterministic warm-up verdict before it
//     serves anything.
//   - Sessions serve a bounded number of completions (MaxReuses) and are
//     then torn down and respawned.
//   - A per-slot generation counter makes concurrent recycles safe: a
//     superseded background consumer discards its events instead of
//     touching the replacement session's state.
//   - A circuit breaker permanently retires slots that recycle too fast,
//     and repeated warm-up failures disable the whole pool.
//
// Acquisition is deliberately unfair: at most one caller waits for a free
// slot, and a newer caller displaces an older one, which resolves to "no
// slot". Interactive completion requests go stale quickly, so the most
// recent request is the only one worth serving.
//
// Example:
//
//	p := pool.New(pool.Config{
//	    Name:    "completion",
//	    Slots:   3,
//	    Backend: session.BackendConfig{Command: "llama-cli --interactive"},
//	}, &pool.Options{Factory: session.Spawn})
//	if err := p.Activate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	res, _ := p.GetCompletion(ctx, prompt)
//	defer p.Dispose()
package pool
