package consensus

import (
	"errors"
	"time"

	"github.com/hashicorp/raft"
)

var errPipelineClosed = errors.New("consensus: append pipeline closed")

// bridgePipeline implements raft.AppendPipeline on top of TransportBridge.
// hashicorp/raft uses pipelining to keep several AppendEntries in flight to
// a follower without waiting for each response in turn; this implementation
// dispatches each call in its own goroutine and fans results back in
// submission order onto a buffered channel, which is sufficient for
// correctness even though it does not share a single wire connection's
// ordering guarantees the way a dedicated pipe would.
type bridgePipeline struct {
	bridge *TransportBridge
	target raft.ServerAddress

	futures chan *pipelineFuture
	done    chan struct{}
}

func newPipeline(b *TransportBridge, target raft.ServerAddress) *bridgePipeline {
	return &bridgePipeline{
		bridge:  b,
		target:  target,
		futures: make(chan *pipelineFuture, 128),
		done:    make(chan struct{}),
	}
}

type pipelineFuture struct {
	start    time.Time
	req      *raft.AppendEntriesRequest
	resp     raft.AppendEntriesResponse
	err      error
	respDone chan struct{}
}

func (f *pipelineFuture) Error() error {
	<-f.respDone
	return f.err
}

func (f *pipelineFuture) Start() time.Time { return f.start }

func (f *pipelineFuture) Request() *raft.AppendEntriesRequest { return f.req }

func (f *pipelineFuture) Response() *raft.AppendEntriesResponse {
	<-f.respDone
	return &f.resp
}

func (p *bridgePipeline) AppendEntries(args *raft.AppendEntriesRequest, resp *raft.AppendEntriesResponse) (raft.AppendFuture, error) {
	future := &pipelineFuture{req: args, start: time.Now(), respDone: make(chan struct{})}
	go func() {
		future.err = p.bridge.AppendEntries(raft.ServerID(""), p.target, args, &future.resp)
		close(future.respDone)
	}()
	select {
	case p.futures <- future:
	case <-p.done:
		return nil, errPipelineClosed
	}
	return future, nil
}

func (p *bridgePipeline) Consumer() <-chan raft.AppendFuture {
	out := make(chan raft.AppendFuture)
	go func() {
		defer close(out)
		for {
			select {
			case f, ok := <-p.futures:
				if !ok {
					return
				}
				<-f.respDone
				select {
				case out <- f:
				case <-p.done:
					return
				}
			case <-p.done:
				return
			}
		}
	}()
	return out
}

func (p *bridgePipeline) Close() error {
	close(p.done)
	return nil
}
