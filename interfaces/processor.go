package interfaces

import (
	"context"

	"github.com/mailriver/mailriver/dto"
)

// ProcessResult carries whatever a handler derived from the record.
type ProcessResult struct {
	Processed bool
	Result    map[string]interface{}
}

// ProcessorStats is a point-in-time snapshot of handler activity.
type ProcessorStats struct {
	Processed   uint64
	Failed      uint64
	SuccessRate float64
}

// EmailProcessor handles one mail record. Handlers must be
// deterministic with respect to the record's natural identity so a
// redelivered record produces the same outcome.
type EmailProcessor interface {
	Process(ctx context.Context, record *dto.MailRecord) (*ProcessResult, error)
	Stats() ProcessorStats
}
