package listener

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MichaelVanScoyk/runsheet-sub001/internal/domain"
	"github.com/MichaelVanScoyk/runsheet-sub001/internal/repository"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testReceived = time.Date(2026, 3, 14, 8, 30, 0, 0, time.UTC)

const testTenant = "550e8400-e29b-41d4-a716-446655440000"

// callLog 跨 repo/publisher 的共享调用序列，用于验证提交先于发布
type callLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *callLog) add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

// fakeRepo 内存版 IncidentsRepository
type fakeRepo struct {
	log         *callLog
	mu          sync.Mutex
	incidents   map[string]*domain.Incident // cad_event_number -> incident
	seq         int
	createErrs  []error // CreateIncident 的一次性错误队列
	forceNoRow  bool    // CreateIncident 返回 created=false
	missGets    int     // 前 N 次 GetByEventNumber 装作未找到
	parseErrors []domain.ParseError
	flagged     []string
	closeErr    error
}

func newFakeRepo(log *callLog) *fakeRepo {
	return &fakeRepo{log: log, incidents: map[string]*domain.Incident{}}
}

var _ repository.IncidentsRepository = (*fakeRepo)(nil)

// get 带锁读取，供并发监听测试轮询
func (r *fakeRepo) get(eventNo string) *domain.Incident {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.incidents[eventNo]
}

func (r *fakeRepo) GetByEventNumber(_ context.Context, _, eventNo string) (*domain.Incident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.missGets > 0 {
		r.missGets--
		return nil, fmt.Errorf("incident not found: %w", sql.ErrNoRows)
	}
	if inc, ok := r.incidents[eventNo]; ok {
		return inc, nil
	}
	return nil, fmt.Errorf("incident not found: %w", sql.ErrNoRows)
}

func (r *fakeRepo) ClaimSequence(_ context.Context, _ string, _ int, _ string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.log.add("claim")
	return r.seq, nil
}

func (r *fakeRepo) CreateIncident(_ context.Context, inc *domain.Incident, _ []domain.IncidentUnit, _ domain.AuditEntry) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.createErrs) > 0 {
		err := r.createErrs[0]
		r.createErrs = r.createErrs[1:]
		return false, err
	}
	if r.forceNoRow {
		r.forceNoRow = false
		return false, nil
	}
	inc.IncidentID = "inc-" + inc.CADEventNumber
	r.incidents[inc.CADEventNumber] = inc
	r.log.add("commit:create")
	return true, nil
}

func (r *fakeRepo) UpdateFromDispatch(_ context.Context, inc *domain.Incident, _ []domain.IncidentUnit, _ domain.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.incidents[inc.CADEventNumber]; !ok {
		return fmt.Errorf("incident not found: %w", sql.ErrNoRows)
	}
	r.log.add("commit:update")
	return nil
}

func (r *fakeRepo) CloseFromClear(_ context.Context, _, eventNo string, _ []domain.IncidentUnit, responseSecs *int, _ domain.AuditEntry) (*domain.Incident, []string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closeErr != nil {
		return nil, nil, false, r.closeErr
	}
	inc, ok := r.incidents[eventNo]
	if !ok {
		return nil, nil, false, fmt.Errorf("incident not found: %w", sql.ErrNoRows)
	}
	if inc.State == domain.IncidentClosed {
		r.log.add("commit:duplicate_clear")
		return inc, nil, false, nil
	}
	inc.State = domain.IncidentClosed
	inc.ResponseSecs = responseSecs
	r.log.add("commit:close")
	return inc, r.flagged, true, nil
}

func (r *fakeRepo) InsertParseError(_ context.Context, perr domain.ParseError) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parseErrors = append(r.parseErrors, perr)
	r.log.add("commit:parse_error")
	return nil
}

// fakePublisher 记录发布调用
type fakePublisher struct {
	log *callLog

	mu          sync.Mutex
	lastUpdated *domain.Incident
}

var _ Publisher = (*fakePublisher)(nil)

func (p *fakePublisher) IncidentCreated(inc *domain.Incident) { p.log.add("publish:incident_created") }
func (p *fakePublisher) IncidentUpdated(inc *domain.Incident) {
	p.mu.Lock()
	p.lastUpdated = inc
	p.mu.Unlock()
	p.log.add("publish:incident_updated")
}
func (p *fakePublisher) IncidentClosed(inc *domain.Incident)  { p.log.add("publish:incident_closed") }
func (p *fakePublisher) DispatchAlert(inc *domain.Incident, units []string) {
	p.log.add("publish:dispatch:" + strings.Join(units, ","))
}
func (p *fakePublisher) CloseAlert(inc *domain.Incident) { p.log.add("publish:close") }

func setupProcessor(t *testing.T) (*Processor, *fakeRepo, *callLog, string) {
	t.Helper()
	log := &callLog{}
	repo := newFakeRepo(log)
	dir := t.TempDir()
	p := NewProcessor(repo, &fakePublisher{log: log}, NewMailbox(dir), nil, zap.NewNop())
	return p, repo, log, dir
}

func rawReport(payload string) domain.RawReport {
	return domain.RawReport{
		TenantID:   testTenant,
		Payload:    []byte(payload),
		ReceivedAt: testReceived,
	}
}

const dispatchPayload = `DISPATCH REPORT
Event No: T260001
Type: STRUCTURE FIRE
Address: 123 MAIN ST

Unit      Dispatched  Enroute     Arrived     Available
ENG481    08:12:33    08:14:01    08:19:45
CHF480    08:12:40
`

const clearPayload = `CLEAR REPORT
Event No: T260001

Unit      Dispatched  Enroute     Arrived     Available
ENG481    08:12:33    08:14:01    08:19:45    09:03:12
CHF480    08:12:40                            09:05:00
`

func TestProcess_DispatchCreatesIncident(t *testing.T) {
	p, repo, log, _ := setupProcessor(t)

	err := p.Process(context.Background(), rawReport(dispatchPayload))
	require.NoError(t, err)

	inc := repo.incidents["T260001"]
	require.NotNil(t, inc)
	assert.Equal(t, "FIRE2026-0001", inc.IncidentNumber)
	assert.Equal(t, "FIRE", inc.Category)
	assert.Equal(t, domain.IncidentOpen, inc.State)
	assert.Equal(t, "123 MAIN ST", inc.Address)

	entries := log.list()
	assert.Equal(t, []string{
		"claim",
		"commit:create",
		"publish:incident_created",
		"publish:dispatch:ENG481,CHF480",
	}, entries)
}

func TestProcess_EmsCategorization(t *testing.T) {
	p, repo, _, _ := setupProcessor(t)

	payload := `DISPATCH REPORT
Event No: T260007
Type: EMS CARDIAC ARREST
Address: 77 PINE RD
`
	require.NoError(t, p.Process(context.Background(), rawReport(payload)))
	inc := repo.incidents["T260007"]
	require.NotNil(t, inc)
	assert.Equal(t, "EMS", inc.Category)
	assert.Equal(t, "EMS2026-0001", inc.IncidentNumber)
}

func TestProcess_DuplicateDispatchIsIdempotent(t *testing.T) {
	p, repo, log, _ := setupProcessor(t)

	require.NoError(t, p.Process(context.Background(), rawReport(dispatchPayload)))
	// 同事件号重复投递：不创建第二条事件
	require.NoError(t, p.Process(context.Background(), rawReport(dispatchPayload)))

	assert.Len(t, repo.incidents, 1)
	entries := log.list()
	assert.Contains(t, entries, "commit:update")
	assert.Contains(t, entries, "publish:incident_updated")
	// claim 只发生一次：更新路径不再领号
	claims := 0
	for _, e := range entries {
		if e == "claim" {
			claims++
		}
	}
	assert.Equal(t, 1, claims)
}

func TestProcess_UpdatePublishesMergedSnapshot(t *testing.T) {
	log := &callLog{}
	repo := newFakeRepo(log)
	pub := &fakePublisher{log: log}
	p := NewProcessor(repo, pub, NewMailbox(t.TempDir()), nil, zap.NewNop())

	// 首报缺地址
	first := `DISPATCH REPORT
Event No: T260001
Type: STRUCTURE FIRE
`
	require.NoError(t, p.Process(context.Background(), rawReport(first)))
	require.Equal(t, "", repo.incidents["T260001"].Address)

	// 补报带地址：发布的更新快照要带上刚补进去的字段
	require.NoError(t, p.Process(context.Background(), rawReport(dispatchPayload)))

	pub.mu.Lock()
	updated := pub.lastUpdated
	pub.mu.Unlock()
	require.NotNil(t, updated)
	assert.Equal(t, "123 MAIN ST", updated.Address)
	assert.Equal(t, "FIRE2026-0001", updated.IncidentNumber)
}

func TestProcess_ConcurrentCreateFallsBackToUpdate(t *testing.T) {
	p, repo, log, _ := setupProcessor(t)

	// 并发投递先到一步：insert 无返回行，处理方需改走更新路径
	repo.incidents["T260001"] = &domain.Incident{
		TenantID:       testTenant,
		IncidentNumber: "FIRE2026-0001",
		CADEventNumber: "T260001",
		Category:       "FIRE",
		State:          domain.IncidentOpen,
	}
	repo.forceNoRow = true
	repo.missGets = 1

	require.NoError(t, p.Process(context.Background(), rawReport(dispatchPayload)))

	assert.Len(t, repo.incidents, 1)
	assert.Contains(t, log.list(), "commit:update")
	assert.NotContains(t, log.list(), "commit:create")
}

func TestProcess_SequenceCollisionRetries(t *testing.T) {
	p, repo, log, _ := setupProcessor(t)

	repo.createErrs = []error{&pq.Error{Code: "23505"}}

	require.NoError(t, p.Process(context.Background(), rawReport(dispatchPayload)))

	// 唯一键撞车后重新领号再试，绝不向上抛出
	entries := log.list()
	claims := 0
	for _, e := range entries {
		if e == "claim" {
			claims++
		}
	}
	assert.Equal(t, 2, claims)
	require.NotNil(t, repo.incidents["T260001"])
	assert.Equal(t, "FIRE2026-0002", repo.incidents["T260001"].IncidentNumber)
}

func TestProcess_ClearClosesIncident(t *testing.T) {
	p, repo, log, _ := setupProcessor(t)

	require.NoError(t, p.Process(context.Background(), rawReport(dispatchPayload)))
	require.NoError(t, p.Process(context.Background(), rawReport(clearPayload)))

	inc := repo.incidents["T260001"]
	assert.Equal(t, domain.IncidentClosed, inc.State)
	// 响应时间取参与统计单位的 (到场-派遣)：ENG481 08:12:33 -> 08:19:45
	require.NotNil(t, inc.ResponseSecs)
	assert.Equal(t, 432, *inc.ResponseSecs)

	entries := log.list()
	assert.Contains(t, entries, "commit:close")
	assert.Contains(t, entries, "publish:incident_closed")
	assert.Contains(t, entries, "publish:close")
	// emit-after-commit：close 提交先于两个发布
	idxCommit := indexOf(entries, "commit:close")
	assert.Less(t, idxCommit, indexOf(entries, "publish:incident_closed"))
	assert.Less(t, idxCommit, indexOf(entries, "publish:close"))
}

func TestProcess_DuplicateClearIsIdempotent(t *testing.T) {
	p, repo, log, _ := setupProcessor(t)

	require.NoError(t, p.Process(context.Background(), rawReport(dispatchPayload)))
	require.NoError(t, p.Process(context.Background(), rawReport(clearPayload)))
	firstSecs := repo.incidents["T260001"].ResponseSecs

	// 重复投递的 Clear：不重发结案事件，不改写首个结案的结果
	require.NoError(t, p.Process(context.Background(), rawReport(clearPayload)))

	assert.Equal(t, firstSecs, repo.incidents["T260001"].ResponseSecs)
	entries := log.list()
	closes := 0
	for _, e := range entries {
		if e == "publish:incident_closed" || e == "publish:close" {
			closes++
		}
	}
	assert.Equal(t, 2, closes)
	assert.Contains(t, entries, "commit:duplicate_clear")
}

func TestProcess_ClearForUnknownEventIsDataQuality(t *testing.T) {
	p, repo, log, _ := setupProcessor(t)

	require.NoError(t, p.Process(context.Background(), rawReport(clearPayload)))

	require.Len(t, repo.parseErrors, 1)
	assert.Equal(t, "clear report for unknown event number", repo.parseErrors[0].Reason)
	// 不发布任何事件
	for _, e := range log.list() {
		assert.NotContains(t, e, "publish:")
	}
}

func TestProcess_UnparseableRecordsDataQuality(t *testing.T) {
	p, repo, _, dir := setupProcessor(t)

	require.NoError(t, p.Process(context.Background(), rawReport("NOT A CAD DOCUMENT")))

	require.Len(t, repo.parseErrors, 1)
	assert.Equal(t, "unknown report kind", repo.parseErrors[0].Reason)
	assert.Equal(t, "NOT A CAD DOCUMENT", repo.parseErrors[0].PayloadHead)

	// 无法解析的报文仍被镜像，且不带待定标记
	files := mailboxFiles(t, dir)
	require.Len(t, files, 1)
	assert.True(t, strings.HasPrefix(files[0], "unparsed_"))
	assert.NotContains(t, files[0], PendingMarker)
}

func TestProcess_MailboxFinalizedWithIncidentNumber(t *testing.T) {
	p, _, _, dir := setupProcessor(t)

	require.NoError(t, p.Process(context.Background(), rawReport(dispatchPayload)))

	files := mailboxFiles(t, dir)
	require.Len(t, files, 1)
	assert.True(t, strings.HasPrefix(files[0], "FIRE2026-0001_T260001_"))
	assert.NotContains(t, files[0], PendingMarker)

	// 内容是原始字节，逐字镜像
	data, err := os.ReadFile(filepath.Join(dir, testTenant, files[0]))
	require.NoError(t, err)
	assert.Equal(t, dispatchPayload, string(data))
}

func TestProcess_StoreFailureIsFatalForReportOnly(t *testing.T) {
	p, repo, log, dir := setupProcessor(t)

	repo.createErrs = []error{fmt.Errorf("connection refused")}

	err := p.Process(context.Background(), rawReport(dispatchPayload))
	require.Error(t, err)
	// 存储失败不发布任何事件
	for _, e := range log.list() {
		assert.NotContains(t, e, "publish:")
	}

	// 落库失败的报文仍要脱离待定状态，中转才会把它送到镜像端
	files := mailboxFiles(t, dir)
	require.Len(t, files, 1)
	assert.True(t, strings.HasPrefix(files[0], "failed_"))
	assert.NotContains(t, files[0], PendingMarker)
}

func indexOf(entries []string, want string) int {
	for i, e := range entries {
		if e == want {
			return i
		}
	}
	return -1
}

func mailboxFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(dir, testTenant))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
