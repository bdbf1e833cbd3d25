package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/noah-isme/snapnfix-api/internal/models"
	"github.com/noah-isme/snapnfix-api/pkg/config"
)

type auditRepoStub struct {
	mu   sync.Mutex
	logs []*models.AuditLog
}

func (r *auditRepoStub) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, log)
	return nil
}

func TestAuditServiceWritesRecordsBeforeStopReturns(t *testing.T) {
	repo := &auditRepoStub{}
	svc := NewAuditService(repo, config.AuditConfig{Workers: 2, BufferSize: 16, MaxRetries: 1}, nil)
	svc.Start(context.Background())

	for i := 0; i < 5; i++ {
		svc.Record(&models.AuditLog{Action: models.AuditActionRefresh, Resource: "device"})
	}
	svc.Stop()

	repo.mu.Lock()
	defer repo.mu.Unlock()
	require.Len(t, repo.logs, 5)
	for _, log := range repo.logs {
		assert.NotEmpty(t, log.ID)
		assert.False(t, log.CreatedAt.IsZero())
	}
}

func TestAuditServiceDropsWhenNotRunning(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	repo := &auditRepoStub{}
	svc := NewAuditService(repo, config.AuditConfig{}, zap.New(core))

	svc.Record(&models.AuditLog{Action: models.AuditActionLogin})
	svc.Record(nil)

	assert.Empty(t, repo.logs)
	assert.Equal(t, 1, logs.FilterMessage("audit log dropped").Len())
}
