package services

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/koppeltag/api/internal/domain"
	"github.com/koppeltag/api/internal/mapping"
	"github.com/koppeltag/api/internal/platform/requestctx"
)

// Severity grades an operation outcome for display to the operator.
type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notice is a short, operator-facing description of an outcome.
type Notice struct {
	Severity Severity
	Code     string
	Message  string
}

// NoticeSink receives notices. Implementations must not block the caller.
type NoticeSink interface {
	Notify(ctx context.Context, notice Notice)
}

// NoticeSinkFunc adapts a function to NoticeSink.
type NoticeSinkFunc func(ctx context.Context, notice Notice)

// Notify implements NoticeSink.
func (f NoticeSinkFunc) Notify(ctx context.Context, notice Notice) {
	if f != nil {
		f(ctx, notice)
	}
}

// ClassifySeverity maps an outcome to a severity. Recoverable operator mistakes are warnings;
// range violations, store failures and reader failures are errors.
func ClassifySeverity(err error) Severity {
	switch {
	case err == nil:
		return SeveritySuccess
	case errors.Is(err, mapping.ErrUnknownTag),
		errors.Is(err, mapping.ErrAlreadyMapped),
		errors.Is(err, mapping.ErrIncompleteMapping),
		errors.Is(err, mapping.ErrInvalidCapacityRelation),
		errors.Is(err, ErrScanCancelled),
		errors.Is(err, ErrDuplicateTag):
		return SeverityWarning
	default:
		return SeverityError
	}
}

// NoticeFor builds the notice for err, using success for a nil error.
func NoticeFor(err error, success string) Notice {
	if err == nil {
		return Notice{Severity: SeveritySuccess, Code: "ok", Message: success}
	}
	notice := Notice{Severity: ClassifySeverity(err), Message: err.Error()}
	var rangeErr *domain.OutOfRangeError
	switch {
	case errors.Is(err, mapping.ErrUnknownTag):
		notice.Code, notice.Message = "unknown_tag", "Tag is not registered on this machine"
	case errors.Is(err, mapping.ErrAlreadyMapped):
		notice.Code, notice.Message = "already_mapped", "Connector is already paired"
	case errors.Is(err, mapping.ErrIncompleteMapping):
		notice.Code, notice.Message = "incomplete_mapping", "Not every implement connector is paired"
	case errors.Is(err, mapping.ErrInvalidCapacityRelation):
		notice.Code, notice.Message = "invalid_capacity_relation", "Implement has more connectors than the tractor"
	case errors.Is(err, mapping.ErrInvalidState):
		notice.Code = "invalid_state"
	case errors.Is(err, mapping.ErrSessionClosed):
		notice.Code = "session_closed"
	case errors.Is(err, ErrScanCancelled):
		notice.Code, notice.Message = "scan_cancelled", "Scan cancelled"
	case errors.Is(err, ErrScanFailed):
		notice.Code, notice.Message = "scan_failed", "The reader could not read a tag"
	case errors.Is(err, ErrDuplicateTag):
		notice.Code = "duplicate_tag"
	case errors.Is(err, ErrConnectorInUse):
		notice.Code = "connector_in_use"
	case errors.As(err, &rangeErr):
		notice.Code = "out_of_range"
	case errors.Is(err, ErrSessionStoreFailed):
		notice.Code, notice.Message = "save_failed", "Mapping could not be saved; try again"
	default:
		notice.Code = "error"
	}
	return notice
}

// NewLogNoticeSink writes notices as structured log entries at a level matching their severity.
func NewLogNoticeSink(logger *zap.Logger) NoticeSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return NoticeSinkFunc(func(ctx context.Context, notice Notice) {
		fields := []zap.Field{
			zap.String("severity_class", string(notice.Severity)),
			zap.String("code", notice.Code),
		}
		if traceID := requestctx.TraceID(ctx); traceID != "" {
			fields = append(fields, zap.String("trace_id", traceID))
		}
		switch notice.Severity {
		case SeverityError:
			logger.Error(notice.Message, fields...)
		case SeverityWarning:
			logger.Warn(notice.Message, fields...)
		default:
			logger.Info(notice.Message, fields...)
		}
	})
}
