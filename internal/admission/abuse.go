package admission

import (
	"fmt"
	"strings"
	"time"

	"github.com/capitalize-ai/intake-agent/internal/model"
)

// AbuseConfig holds the abuse heuristic thresholds. A window is abusive when
// any count is strictly greater than its threshold.
type AbuseConfig struct {
	Window        time.Duration
	MaxMessages   int
	MaxDuplicates int
	MaxShort      int
	ShortLength   int
}

// DefaultAbuseConfig returns the stock thresholds.
func DefaultAbuseConfig() AbuseConfig {
	return AbuseConfig{
		Window:        time.Minute,
		MaxMessages:   20,
		MaxDuplicates: 5,
		MaxShort:      5,
		ShortLength:   3,
	}
}

// AbuseDetector flags bursts of visitor traffic. It only reads history.
type AbuseDetector struct {
	cfg AbuseConfig
}

// NewAbuseDetector creates a detector, filling unset thresholds with defaults.
func NewAbuseDetector(cfg AbuseConfig) *AbuseDetector {
	def := DefaultAbuseConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = def.MaxMessages
	}
	if cfg.MaxDuplicates <= 0 {
		cfg.MaxDuplicates = def.MaxDuplicates
	}
	if cfg.MaxShort <= 0 {
		cfg.MaxShort = def.MaxShort
	}
	if cfg.ShortLength <= 0 {
		cfg.ShortLength = def.ShortLength
	}
	return &AbuseDetector{cfg: cfg}
}

// Detect inspects the visitor messages sent within the window ending at now.
func (d *AbuseDetector) Detect(messages []model.Message, now time.Time) model.AbuseResult {
	since := now.Add(-d.cfg.Window)

	var recent []string
	for _, m := range messages {
		if m.Role != model.RoleVisitor || m.Timestamp.Before(since) || m.Timestamp.After(now) {
			continue
		}
		recent = append(recent, m.Content)
	}

	if len(recent) > d.cfg.MaxMessages {
		return model.AbuseResult{
			Abusive: true,
			Reason:  fmt.Sprintf("too many messages: %d in %s", len(recent), d.cfg.Window),
		}
	}

	counts := make(map[string]int, len(recent))
	short := 0
	for _, content := range recent {
		norm := normalize(content)
		counts[norm]++
		if counts[norm] > d.cfg.MaxDuplicates {
			return model.AbuseResult{
				Abusive: true,
				Reason:  fmt.Sprintf("repeated message sent %d times", counts[norm]),
			}
		}
		if len([]rune(strings.TrimSpace(content))) < d.cfg.ShortLength {
			short++
		}
	}

	if short > d.cfg.MaxShort {
		return model.AbuseResult{
			Abusive: true,
			Reason:  fmt.Sprintf("too many short messages: %d", short),
		}
	}

	return model.AbuseResult{}
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
