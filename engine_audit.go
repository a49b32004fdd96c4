package mailauth

import (
	"context"
	"errors"

	"github.com/MrEthical07/mailauth/internal/auditlog"
)

const (
	auditEventAuthentication = "authentication"
	auditEventSecondFactor   = "second_factor"
	auditEventASPCreated     = "asp_created"
	auditEventASPDeleted     = "asp_deleted"
	auditEventTOTPSetup      = "totp_setup"
	auditEventTOTPEnabled    = "totp_enabled"
	auditEventTOTPDisabled   = "totp_disabled"
)

// AuditErrorCode is the stable error label carried by audit events.
type AuditErrorCode string

const (
	auditErrInputEmpty        AuditErrorCode = "input_empty"
	auditErrAuthFail          AuditErrorCode = "auth_fail"
	auditErrRateLimited       AuditErrorCode = "rate_limited"
	auditErrAccountDisabled   AuditErrorCode = "account_disabled"
	auditErrAccountSuspended  AuditErrorCode = "account_suspended"
	auditErrScopeDisabled     AuditErrorCode = "scope_disabled"
	auditErrInvalidScope      AuditErrorCode = "invalid_scope"
	auditErrTempNotYetValid   AuditErrorCode = "temp_not_yet_valid"
	auditErrNotFound          AuditErrorCode = "not_found"
	auditErrUnavailable       AuditErrorCode = "backend_unavailable"
	auditErrCanceled          AuditErrorCode = "canceled"
	auditErrInvalidRequest    AuditErrorCode = "invalid_request"
	auditErrTOTPInvalid       AuditErrorCode = "totp_invalid"
	auditErrTOTPNotConfigured AuditErrorCode = "totp_not_configured"
	auditErrFactorUnsupported AuditErrorCode = "second_factor_unsupported"
	auditErrInternal          AuditErrorCode = "internal_error"
)

// auditRecord is one engine call as seen by both audit layers.
type auditRecord struct {
	action     string
	accountID  string
	identifier string
	target     string
	meta       Meta
	success    bool
	result     string
	reason     string
	err        error
	metadata   map[string]string
}

// recordAudit emits r to the process-level dispatcher and persists it for
// accounts with a valid id. The persisted write is detached from ctx's
// cancellation so an aborted call is still recorded.
func (e *Engine) recordAudit(ctx context.Context, r auditRecord) {
	if e == nil {
		return
	}
	if r.result == "" {
		r.result = "fail"
		if r.success {
			r.result = "success"
		}
	}

	if e.audit != nil {
		metadata := r.metadata
		if r.reason != "" || r.meta.AppID != "" || r.meta.UserAgent != "" {
			metadata = make(map[string]string, len(r.metadata)+3)
			for k, v := range r.metadata {
				metadata[k] = v
			}
			if r.reason != "" {
				metadata["reason"] = r.reason
			}
			if r.meta.AppID != "" {
				metadata["app_id"] = r.meta.AppID
			}
			if r.meta.UserAgent != "" {
				metadata["user_agent"] = r.meta.UserAgent
			}
		}

		event := AuditEvent{
			Timestamp:  e.now().UTC(),
			EventType:  r.action,
			AccountID:  r.accountID,
			Identifier: r.identifier,
			Protocol:   r.meta.Protocol,
			Scope:      r.target,
			SessionID:  r.meta.SessionID,
			IP:         r.meta.IP,
			Result:     r.result,
			Success:    r.success,
			Metadata:   metadata,
		}
		if code := auditErrorCode(r.err); code != "" {
			event.Error = string(code)
		}
		e.audit.Emit(ctx, event)
	}

	if !e.auditLog.Enabled() || r.accountID == "" {
		return
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.Timeouts.AuditWrite)
	defer cancel()

	_, _, err := e.auditLog.Record(writeCtx, r.accountID, auditlog.Entry{
		Action:    r.action,
		Result:    r.result,
		Protocol:  r.meta.Protocol,
		IP:        r.meta.IP,
		SessionID: r.meta.SessionID,
		Target:    r.target,
		Reason:    r.reason,
	})
	if err != nil {
		e.metricInc(MetricAuditWriteFailed)
		e.logger.WarnContext(ctx, "mailauth: audit write failed",
			"account_id", r.accountID,
			"action", r.action,
			"error", err,
		)
	}
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInputEmpty):
		return auditErrInputEmpty
	case errors.Is(err, ErrRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrAccountDisabled):
		return auditErrAccountDisabled
	case errors.Is(err, ErrAccountSuspended):
		return auditErrAccountSuspended
	case errors.Is(err, ErrScopeDisabled):
		return auditErrScopeDisabled
	case errors.Is(err, ErrInvalidScope):
		return auditErrInvalidScope
	case errors.Is(err, ErrTempPasswordNotYetValid):
		return auditErrTempNotYetValid
	case errors.Is(err, ErrAuthFail):
		return auditErrAuthFail
	case errors.Is(err, ErrNotFound):
		return auditErrNotFound
	case errors.Is(err, ErrStoreUnavailable):
		return auditErrUnavailable
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return auditErrCanceled
	case errors.Is(err, ErrInvalidRequest):
		return auditErrInvalidRequest
	case errors.Is(err, ErrTOTPInvalid):
		return auditErrTOTPInvalid
	case errors.Is(err, ErrTOTPNotConfigured),
		errors.Is(err, ErrSecretKeyRequired):
		return auditErrTOTPNotConfigured
	case errors.Is(err, ErrSecondFactorUnsupported):
		return auditErrFactorUnsupported
	default:
		return auditErrInternal
	}
}
