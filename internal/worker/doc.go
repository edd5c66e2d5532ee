// Package worker implements the extension-side core: the tool dispatcher
// with per-tab mutual exclusion, agent tab groups, the debugger attach
// state machine, capture buffers, session lifecycle handling, and the
// browser event emitter.
//
// Concrete browser actions live behind the Browser interface; the worker
// owns everything around them: validation, locking, ownership, buffering,
// and the wire conversation with the bridge.
package worker
