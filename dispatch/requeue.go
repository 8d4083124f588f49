package dispatch

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/vinayprograms/taskhook/bus"
	apperrors "github.com/vinayprograms/taskhook/errors"
	"github.com/vinayprograms/taskhook/logging"
	"github.com/vinayprograms/taskhook/queue"
	"github.com/vinayprograms/taskhook/tasks"
)

// DefaultRequeueSubject is the admin subject the responder listens on.
const DefaultRequeueSubject = "taskhook.admin.requeue"

const requeueGroup = "taskhook-admin"

// RequeueRequest asks for a dispatch job to be queued again.
type RequeueRequest struct {
	TaskID string `json:"task_id"`
}

// RequeueReply answers a RequeueRequest.
type RequeueReply struct {
	TaskID string `json:"task_id"`
	JobID  string `json:"job_id,omitempty"`
	Status string `json:"status,omitempty"`
	Code   string `json:"code,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Err returns the reply's failure as a coded error, or nil.
func (r RequeueReply) Err() error {
	if r.Error == "" {
		return nil
	}
	code := apperrors.ErrorCode(r.Code)
	if code == "" {
		code = apperrors.ErrCodeInternal
	}
	return apperrors.New(code, r.Error, apperrors.WithTaskID(r.TaskID))
}

// TaskReader loads tasks.
type TaskReader interface {
	Get(ctx context.Context, id string) (*tasks.Record, error)
}

// Enqueuer queues dispatch jobs. *queue.Queue implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind, taskID string) (queue.Job, error)
	EnqueueRedelivery(ctx context.Context, kind, taskID string) (queue.Job, error)
}

// RequeueResponder serves requeue requests arriving on the bus. It is the
// operator's way to recover a task left Processing after its job was lost.
type RequeueResponder struct {
	bus     bus.MessageBus
	subject string
	tasks   TaskReader
	queue   Enqueuer
	logger  *logging.Logger

	mu   sync.Mutex
	sub  bus.Subscription
	wg   sync.WaitGroup
	stop context.CancelFunc
}

// NewRequeueResponder creates a responder on subject.
func NewRequeueResponder(mb bus.MessageBus, subject string, reader TaskReader, q Enqueuer, logger *logging.Logger) *RequeueResponder {
	if subject == "" {
		subject = DefaultRequeueSubject
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &RequeueResponder{
		bus:     mb,
		subject: subject,
		tasks:   reader,
		queue:   q,
		logger:  logger.WithComponent("requeue"),
	}
}

// Start begins answering requests until ctx is done or OnShutdown is called.
func (r *RequeueResponder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		return apperrors.Precondition("requeue responder already started")
	}

	sub, err := r.bus.QueueSubscribe(r.subject, requeueGroup)
	if err != nil {
		return apperrors.WrapWithCode(err, apperrors.ErrCodeUnavailable, "subscribe requeue responder")
	}
	ctx, cancel := context.WithCancel(ctx)
	r.sub = sub
	r.stop = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Messages():
				if !ok {
					return
				}
				r.respond(ctx, msg)
			}
		}
	}()
	return nil
}

func (r *RequeueResponder) respond(ctx context.Context, msg *bus.Message) {
	reply := r.Requeue(ctx, msg.Data)
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		r.logger.Error("encode requeue reply", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := r.bus.Publish(msg.Reply, data); err != nil {
		r.logger.Warn("publish requeue reply", map[string]interface{}{"error": err.Error()})
	}
}

// Requeue handles one encoded RequeueRequest. A Pending task gets a fresh
// job; a Processing task gets a redelivery; finished tasks are refused.
func (r *RequeueResponder) Requeue(ctx context.Context, data []byte) RequeueReply {
	var req RequeueRequest
	if err := json.Unmarshal(data, &req); err != nil || req.TaskID == "" {
		return failure("", apperrors.InvalidInput("request must carry a task_id"))
	}

	rec, err := r.tasks.Get(ctx, req.TaskID)
	if err != nil {
		return failure(req.TaskID, err)
	}

	var job queue.Job
	switch rec.Status {
	case tasks.StatusPending:
		job, err = r.queue.Enqueue(ctx, queue.KindDispatch, rec.ID)
	case tasks.StatusProcessing:
		job, err = r.queue.EnqueueRedelivery(ctx, queue.KindDispatch, rec.ID)
	default:
		err = apperrors.Precondition("task already finished",
			apperrors.WithTaskID(rec.ID),
			apperrors.WithMetadata("status", string(rec.Status)))
	}
	if err != nil {
		reply := failure(rec.ID, err)
		reply.Status = string(rec.Status)
		return reply
	}

	r.logger.Info("task_requeued", map[string]interface{}{
		"task_id": rec.ID,
		"job_id":  job.ID,
		"status":  string(rec.Status),
	})
	return RequeueReply{TaskID: rec.ID, JobID: job.ID, Status: string(rec.Status)}
}

func failure(taskID string, err error) RequeueReply {
	code := apperrors.Code(err)
	if code == "" {
		code = apperrors.ErrCodeInternal
	}
	return RequeueReply{TaskID: taskID, Code: string(code), Error: err.Error()}
}

// OnShutdown stops the responder.
func (r *RequeueResponder) OnShutdown(ctx context.Context) error {
	r.mu.Lock()
	sub, stop := r.sub, r.stop
	r.mu.Unlock()
	if sub == nil {
		return nil
	}
	stop()
	sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestRequeue asks a running instance to requeue taskID and waits for
// its answer until ctx ends.
func RequestRequeue(ctx context.Context, mb bus.MessageBus, subject, taskID string) (RequeueReply, error) {
	if subject == "" {
		subject = DefaultRequeueSubject
	}
	data, err := json.Marshal(RequeueRequest{TaskID: taskID})
	if err != nil {
		return RequeueReply{}, apperrors.Wrap(err, "encode requeue request")
	}
	msg, err := mb.Request(ctx, subject, data)
	if err != nil {
		return RequeueReply{}, apperrors.WrapWithCode(err, apperrors.ErrCodeUnavailable, "request requeue",
			apperrors.WithTaskID(taskID))
	}
	var reply RequeueReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return RequeueReply{}, apperrors.Wrap(err, "decode requeue reply", apperrors.WithTaskID(taskID))
	}
	return reply, reply.Err()
}
