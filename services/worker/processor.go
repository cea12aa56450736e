package worker

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mailriver/mailriver/dto"
	"github.com/mailriver/mailriver/interfaces"
	er "github.com/mailriver/mailriver/internal/errors"
	"github.com/mailriver/mailriver/internal/logger"
	"github.com/mailriver/mailriver/internal/tracing"
)

// priorityKeywords flag records that need attention ahead of the rest.
var priorityKeywords = []string{"urgent", "important", "action required"}

// KeywordProcessor is the default handler. It validates the minimum
// record schema, classifies priority by subject and body keywords, and
// returns the classification as the result. The classification depends
// only on record content, so redeliveries produce the same outcome.
type KeywordProcessor struct {
	log logger.Logger

	processed atomic.Uint64
	failed    atomic.Uint64
}

func NewKeywordProcessor(log logger.Logger) *KeywordProcessor {
	return &KeywordProcessor{log: log}
}

func (p *KeywordProcessor) Process(ctx context.Context, record *dto.MailRecord) (*interfaces.ProcessResult, error) {
	span, _ := tracing.StartTracerSpan(ctx, "KeywordProcessor.Process")
	defer span.Finish()
	tracing.TagComponentWorker(span)

	if err := record.Validate(); err != nil {
		p.failed.Add(1)
		tracing.TraceErr(span, err)
		return nil, er.WithKind(er.KindInvariantViolation, err)
	}

	matches := keywordMatches(record)
	priority := "normal"
	if len(matches) > 0 {
		priority = "high"
	}

	p.processed.Add(1)
	p.log.Debugf("processed %s from=%s priority=%s", record.IdempotencyKey(), record.From, priority)

	return &interfaces.ProcessResult{
		Processed: true,
		Result: map[string]interface{}{
			"message_id":      record.MessageID,
			"from":            record.From,
			"subject":         record.Subject,
			"priority":        priority,
			"keyword_matches": matches,
			"processed_at":    time.Now().UTC().Format(time.RFC3339),
		},
	}, nil
}

func keywordMatches(record *dto.MailRecord) []string {
	haystack := strings.ToLower(record.Subject + " " + record.BodyText)
	var matches []string
	for _, keyword := range priorityKeywords {
		if strings.Contains(haystack, keyword) {
			matches = append(matches, keyword)
		}
	}
	return matches
}

func (p *KeywordProcessor) Stats() interfaces.ProcessorStats {
	processed := p.processed.Load()
	failed := p.failed.Load()

	stats := interfaces.ProcessorStats{Processed: processed, Failed: failed}
	if total := processed + failed; total > 0 {
		stats.SuccessRate = float64(processed) / float64(total)
	}
	return stats
}
