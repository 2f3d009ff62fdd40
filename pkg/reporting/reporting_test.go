package reporting

import (
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/supervisor"
)

// Reporters must plug into supervisors without adapters.
var _ supervisor.Reporter = Nop{}
var _ supervisor.Reporter = (*SentryReporter)(nil)

func TestNewSentryReporterRequiresDSN(t *testing.T) {
	if _, err := NewSentryReporter(Config{}, zap.NewNop()); err == nil {
		t.Error("Expected error for empty DSN")
	}
}

func TestReportFailureNilError(t *testing.T) {
	r := &SentryReporter{logger: zap.NewNop()}
	// A nil error must be dropped before reaching the Sentry client, which
	// is not initialized in this test.
	r.ReportFailure(nil, map[string]string{"supervisor": "w-1"})
}

func TestNopDiscards(t *testing.T) {
	Nop{}.ReportFailure(errors.New("boom"), map[string]string{"supervisor": "w-1"})
	Nop{}.ReportFailure(nil, nil)
}
