package admission

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/intake-agent/internal/model"
	"github.com/capitalize-ai/intake-agent/pkg/logger"
)

// Decision is the combined admission outcome for a turn.
type Decision struct {
	RateLimit model.RateLimitResult
	Abuse     model.AbuseResult
}

// Controller combines the rate limiter and abuse detector.
type Controller struct {
	limiter  *RateLimiter
	detector *AbuseDetector
	logger   *logger.Logger
	now      func() time.Time

	// blockAbusive turns the advisory abuse verdict into a rejection.
	blockAbusive bool
}

// NewController creates an admission controller.
func NewController(limiter *RateLimiter, detector *AbuseDetector, blockAbusive bool, log *logger.Logger) *Controller {
	return &Controller{
		limiter:      limiter,
		detector:     detector,
		logger:       log,
		now:          time.Now,
		blockAbusive: blockAbusive,
	}
}

// Check counts one action in category for sessionID.
func (c *Controller) Check(ctx context.Context, sessionID, category string) (model.RateLimitResult, error) {
	return c.limiter.Check(ctx, sessionID, category)
}

// Detect runs the abuse heuristic over a session's history.
func (c *Controller) Detect(history []model.Message) model.AbuseResult {
	return c.detector.Detect(history, c.now())
}

// AdmitTurn gates a visitor message. It returns ErrRateLimited when the
// message window is exhausted, and ErrAbusive when the history is flagged and
// the controller blocks abusive traffic.
func (c *Controller) AdmitTurn(ctx context.Context, sessionID string, history []model.Message) (Decision, error) {
	var d Decision

	rl, err := c.limiter.Check(ctx, sessionID, CategoryMessages)
	if err != nil {
		return d, err
	}
	d.RateLimit = rl
	if !rl.Allowed {
		c.logger.Info("turn rejected by rate limit",
			zap.String("session_id", sessionID),
			zap.Int("retry_after", rl.RetryAfter),
		)
		return d, fmt.Errorf("%w: retry after %ds", model.ErrRateLimited, rl.RetryAfter)
	}

	d.Abuse = c.detector.Detect(history, c.now())
	if d.Abuse.Abusive {
		c.logger.Warn("abusive traffic detected",
			zap.String("session_id", sessionID),
			zap.String("reason", d.Abuse.Reason),
			zap.Bool("blocked", c.blockAbusive),
		)
		if c.blockAbusive {
			return d, fmt.Errorf("%w: %s", model.ErrAbusive, d.Abuse.Reason)
		}
	}

	return d, nil
}
