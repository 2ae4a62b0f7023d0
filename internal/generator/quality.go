package generator

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// minOutputBytes is the size below which an output is assumed corrupted.
const minOutputBytes = 200_000

// QualityReport is the result of the post-completion output check.
type QualityReport struct {
	Score             int      `json:"score"` // 0-100
	Reasons           []string `json:"reasons"`
	Safe              bool     `json:"safe"`
	SuggestRegenerate bool     `json:"suggest_regenerate"`
}

// QualityChecker runs lightweight metadata heuristics against a finished
// job's output URLs.
type QualityChecker struct {
	httpClient *http.Client
}

func NewQualityChecker() *QualityChecker {
	return &QualityChecker{httpClient: &http.Client{Timeout: 10 * time.Second}}
}

// Check scores the first output URL via a HEAD probe of its content type and
// size. Network failures degrade the score but do not error.
func (q *QualityChecker) Check(ctx context.Context, outputURLs []string) *QualityReport {
	report := &QualityReport{Score: 70, Safe: true}
	if len(outputURLs) == 0 {
		report.Score = 0
		report.Safe = false
		report.SuggestRegenerate = true
		report.Reasons = append(report.Reasons, "no output URLs returned")
		return report
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, outputURLs[0], nil)
	if err != nil {
		report.Score -= 20
		report.Reasons = append(report.Reasons, "invalid output URL")
	} else if resp, herr := q.httpClient.Do(req); herr != nil {
		report.Score -= 20
		report.Reasons = append(report.Reasons, "metadata check failed (network)")
	} else {
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			report.Score -= 40
			report.Reasons = append(report.Reasons, "HEAD request failed: "+strconv.Itoa(resp.StatusCode))
		} else {
			if !strings.HasPrefix(resp.Header.Get("Content-Type"), "video/") {
				report.Score -= 40
				report.Reasons = append(report.Reasons, "output is not a video content-type")
			}
			if length, _ := strconv.Atoi(resp.Header.Get("Content-Length")); length < minOutputBytes {
				report.Score -= 30
				report.Reasons = append(report.Reasons, "output file appears too small; may be corrupted")
			}
		}
	}

	if strings.Contains(strings.ToLower(outputURLs[0]), "nsfw") {
		report.Safe = false
		report.Reasons = append(report.Reasons, "potential unsafe content flag in URL")
		if report.Score > 40 {
			report.Score = 40
		}
	}
	if report.Score < 0 {
		report.Score = 0
	}
	report.SuggestRegenerate = report.Score < 60 || !report.Safe
	return report
}
