// Package session provides the conduit between a pool slot and one
// long-lived backend session process.
//
// A backend speaks newline-delimited JSON: it reads {"prompt": ...} lines
// on stdin and writes one {"text": ..., "model": ...} or {"error": ...}
// line per input, in order. The Channel interface abstracts this so the
// pool engine never touches os/exec directly:
//   - Send pushes one input message
//   - Events exposes the ordered output sequence
//   - Close terminates the session (stdin close, SIGINT, then SIGKILL)
//
// Spawn is the production Factory. Tests substitute scripted channels.
//
// Example:
//
//	ch, err := session.Spawn(session.BackendConfig{
//	    Command: "llm-backend --stdio",
//	    Model:   "small",
//	}, logger)
//	if err != nil { ... }
//	defer ch.Close()
//	ch.Send(session.Message{Prompt: "Two plus two equals ___."})
//	ev := <-ch.Events()
package session
