// Package businessflow contains the business logic for the application.
package businessflow

import (
	"context"
	"encoding/json"

	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/repository"
	"github.com/amirphl/Kusanagi/utils"
	"go.uber.org/zap"
)

// ClientMetadata holds caller information recorded in audit logs
type ClientMetadata struct {
	IPAddress  string            `json:"ip_address"`
	UserAgent  string            `json:"user_agent"`
	RequestID  string            `json:"request_id,omitempty"`
	Additional map[string]string `json:"additional,omitempty"`
}

// NewClientMetadata creates a new ClientMetadata instance with basic information
func NewClientMetadata(ipAddress, userAgent string) *ClientMetadata {
	return &ClientMetadata{
		IPAddress:  ipAddress,
		UserAgent:  userAgent,
		Additional: make(map[string]string),
	}
}

// AddAdditional adds additional custom information to the metadata
func (cm *ClientMetadata) AddAdditional(key, value string) {
	if cm.Additional == nil {
		cm.Additional = make(map[string]string)
	}
	cm.Additional[key] = value
}

// SetRequestID sets the request ID
func (cm *ClientMetadata) SetRequestID(requestID string) {
	cm.RequestID = requestID
}

// auditEntry is one decision worth keeping in the audit log
type auditEntry struct {
	UserID      *uint
	Action      string
	Description string
	Success     bool
	Err         error
	Metadata    map[string]any
}

// auditor writes audit logs; failures are logged and never returned.
// Must not be called with a transactional context.
type auditor struct {
	repo   repository.AuditLogRepository
	logger *zap.Logger
}

func newAuditor(repo repository.AuditLogRepository, logger *zap.Logger) *auditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &auditor{repo: repo, logger: logger}
}

func (a *auditor) record(ctx context.Context, entry auditEntry, client *ClientMetadata) {
	if a == nil || a.repo == nil {
		return
	}

	log := &models.AuditLog{
		UserID:  entry.UserID,
		Action:  entry.Action,
		Success: utils.ToPtr(entry.Success),
	}
	if entry.Description != "" {
		log.Description = utils.ToPtr(entry.Description)
	}
	if entry.Err != nil {
		log.ErrorMessage = utils.ToPtr(entry.Err.Error())
	}

	if client != nil {
		if client.IPAddress != "" {
			log.IPAddress = utils.ToPtr(client.IPAddress)
		}
		if client.UserAgent != "" {
			log.UserAgent = utils.ToPtr(client.UserAgent)
		}
		if client.RequestID != "" {
			log.RequestID = utils.ToPtr(client.RequestID)
		}
	}
	if log.RequestID == nil {
		if requestID := utils.StringFromContext(ctx, utils.RequestIDKey); requestID != "" {
			log.RequestID = utils.ToPtr(requestID)
		}
	}

	if len(entry.Metadata) > 0 {
		raw, err := json.Marshal(entry.Metadata)
		if err == nil {
			log.Metadata = raw
		}
	}

	if err := a.repo.Save(ctx, log); err != nil {
		a.logger.Warn("failed to write audit log",
			zap.String("action", entry.Action),
			zap.Error(err))
	}
}
