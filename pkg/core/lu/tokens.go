package lu

import "github.com/dbielich/slate/pkg/support/xsync"

// The dependency tokens of one run: one column token and one diagonal
// token per block-column, plus a bandwidth token serializing the batched
// broadcasts. Tokens are scheduling state only, never data. Acquisitions
// all happen on the single issuing goroutine in program order, so each
// token is a deterministic chain of latches: an exclusive acquisition
// waits for the previous writer and all readers admitted since, a shared
// acquisition waits only for the previous writer.
//
// "Signaling" a diagonal token is an exclusive acquisition released when
// the factorization completes; once released, any number of shared
// acquisitions proceed without blocking (broadcast fan-out).

// token is one chain of happens-after constraints.
type token struct {
	writeTail *xsync.Latch
	readers   *xsync.DynamicWaitGroup
}

func newToken() token {
	return token{
		writeTail: xsync.TriggeredLatch(),
		readers:   xsync.NewDynamicWaitGroup(),
	}
}

// exclusive chains a writer onto the token. The returned wait blocks until
// every earlier writer and reader finished; release lets successors
// proceed. Acquire (this call) happens at issuance, wait/release inside
// the issued task.
func (t *token) exclusive() (wait, release func()) {
	prevWrite := t.writeTail
	prevReaders := t.readers
	done := xsync.NewLatch()
	t.writeTail = done
	t.readers = xsync.NewDynamicWaitGroup()
	wait = func() {
		prevWrite.Wait()
		prevReaders.Wait()
	}
	release = done.Trigger
	return
}

// shared admits a reader: it waits only for the previous writer, and
// concurrent readers never block each other.
func (t *token) shared() (wait, release func()) {
	prevWrite := t.writeTail
	t.readers.Add(1)
	readers := t.readers
	wait = prevWrite.Wait
	release = readers.Done
	return
}

// tokenSet holds all tokens of one run, re-derived per diagonal step from
// the step index alone. No token is held across a step boundary.
type tokenSet struct {
	columns   []token
	diagonals []token
	bandwidth token
}

func newTokenSet(nt int64) *tokenSet {
	s := &tokenSet{
		columns:   make([]token, nt),
		diagonals: make([]token, nt),
		bandwidth: newToken(),
	}
	for i := range s.columns {
		s.columns[i] = newToken()
		s.diagonals[i] = newToken()
	}
	return s
}

func (s *tokenSet) column(j int64) *token   { return &s.columns[j] }
func (s *tokenSet) diagonal(k int64) *token { return &s.diagonals[k] }
