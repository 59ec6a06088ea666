package render

import (
	"context"

	"github.com/google/uuid"

	jobsrepo "github.com/yungbote/rendivia-backend/internal/data/repos/jobs"
	"github.com/yungbote/rendivia-backend/internal/domain/jobs"
	"github.com/yungbote/rendivia-backend/internal/platform/dbctx"
)

// Job is the kind-independent view of a job row the driver works on.
type Job struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	TeamID      *uuid.UUID
	Composition string
	State       jobs.RenderState
	// Record is the underlying *jobs.CaptionJob or *jobs.RenderJob.
	Record any
}

// KindAdapter supplies everything that differs between job kinds. The
// driver owns the state machine; adapters never change render state.
type KindAdapter interface {
	Kind() jobs.Kind
	States() jobsrepo.RenderStateRepo
	// Load returns (nil, nil) when the job does not exist.
	Load(dbc dbctx.Context, id uuid.UUID) (*Job, error)
	BuildProps(ctx context.Context, job *Job) (map[string]any, error)
	// OutputKey is the storage key of the finished artifact.
	OutputKey(job *Job) string
	AfterSuccess(ctx context.Context, job *Job, outputURL string)
	AfterFailure(ctx context.Context, job *Job, reason string)
}

func outputKey(ownerID uuid.UUID, prefix string, jobID uuid.UUID) string {
	return ownerID.String() + "/" + prefix + "-" + jobID.String() + ".mp4"
}
