package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/MichaelVanScoyk/runsheet-sub001/internal/domain"

	"go.uber.org/zap"
)

// PostgresIncidentsRepository 事件Repository实现
type PostgresIncidentsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresIncidentsRepository 创建事件Repository
func NewPostgresIncidentsRepository(db *sql.DB, logger *zap.Logger) *PostgresIncidentsRepository {
	return &PostgresIncidentsRepository{db: db, logger: logger}
}

// 确保实现了接口
var _ IncidentsRepository = (*PostgresIncidentsRepository)(nil)

const incidentColumns = `
	incident_id::text,
	tenant_id::text,
	incident_number,
	cad_event_number,
	category,
	state,
	COALESCE(event_type, '') as event_type,
	COALESCE(event_subtype, '') as event_subtype,
	COALESCE(address, '') as address,
	COALESCE(municipality, '') as municipality,
	response_seconds,
	created_at,
	closed_at
`

// GetByEventNumber 按厂商事件号查找事件
func (r *PostgresIncidentsRepository) GetByEventNumber(ctx context.Context, tenantID, cadEventNumber string) (*domain.Incident, error) {
	if tenantID == "" || cadEventNumber == "" {
		return nil, fmt.Errorf("tenant_id and cad_event_number are required")
	}

	query := `
		SELECT ` + incidentColumns + `
		FROM incidents
		WHERE tenant_id = $1::uuid AND cad_event_number = $2
	`

	inc, err := scanIncident(r.db.QueryRowContext(ctx, query, tenantID, cadEventNumber))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("incident not found: %w", err)
		}
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}
	return inc, nil
}

// ClaimSequence 原子领取下一个事件序号
//
// 单条 upsert 语句在 PostgreSQL 内串行化同键并发，
// 两个并发 Dispatch 不可能取到相同的 last_seq。
func (r *PostgresIncidentsRepository) ClaimSequence(ctx context.Context, tenantID string, year int, category string) (int, error) {
	query := `
		INSERT INTO incident_counters (tenant_id, year, category, last_seq)
		VALUES ($1::uuid, $2, $3, 1)
		ON CONFLICT (tenant_id, year, category)
		DO UPDATE SET last_seq = incident_counters.last_seq + 1
		RETURNING last_seq
	`

	var seq int
	if err := r.db.QueryRowContext(ctx, query, tenantID, year, category).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to claim incident sequence: %w", err)
	}
	return seq, nil
}

// CreateIncident 事务内创建事件、单位与审计记录
func (r *PostgresIncidentsRepository) CreateIncident(ctx context.Context, inc *domain.Incident, units []domain.IncidentUnit, audit domain.AuditEntry) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	// 去重键冲突时 DO NOTHING 不返回行：并发投递方走更新路径
	insert := `
		INSERT INTO incidents (
			tenant_id, incident_number, cad_event_number, category, state,
			event_type, event_subtype, address, municipality, created_at
		) VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id, cad_event_number) DO NOTHING
		RETURNING incident_id::text
	`

	var incidentID string
	err = tx.QueryRowContext(ctx, insert,
		inc.TenantID, inc.IncidentNumber, inc.CADEventNumber, inc.Category, inc.State,
		nullIfEmpty(inc.EventType), nullIfEmpty(inc.EventSubtype),
		nullIfEmpty(inc.Address), nullIfEmpty(inc.Municipality), inc.CreatedAt,
	).Scan(&incidentID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert incident: %w", err)
	}
	inc.IncidentID = incidentID

	for _, u := range units {
		u.IncidentID = incidentID
		if err := upsertUnit(ctx, tx, u); err != nil {
			return false, err
		}
	}

	if err := insertAudit(ctx, tx, audit); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit incident: %w", err)
	}
	return true, nil
}

// UpdateFromDispatch 幂等更新已有事件
func (r *PostgresIncidentsRepository) UpdateFromDispatch(ctx context.Context, inc *domain.Incident, units []domain.IncidentUnit, audit domain.AuditEntry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	// 只补空字段，不回退已有值；重复投递是合法场景
	update := `
		UPDATE incidents SET
			event_type = COALESCE(incidents.event_type, NULLIF($3, '')),
			event_subtype = COALESCE(incidents.event_subtype, NULLIF($4, '')),
			address = COALESCE(incidents.address, NULLIF($5, '')),
			municipality = COALESCE(incidents.municipality, NULLIF($6, ''))
		WHERE tenant_id = $1::uuid AND cad_event_number = $2
		RETURNING incident_id::text
	`

	var incidentID string
	err = tx.QueryRowContext(ctx, update,
		inc.TenantID, inc.CADEventNumber,
		inc.EventType, inc.EventSubtype, inc.Address, inc.Municipality,
	).Scan(&incidentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("incident not found: %w", err)
		}
		return fmt.Errorf("failed to update incident: %w", err)
	}
	inc.IncidentID = incidentID

	for _, u := range units {
		u.IncidentID = incidentID
		if err := upsertUnit(ctx, tx, u); err != nil {
			return err
		}
	}

	if err := insertAudit(ctx, tx, audit); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dispatch update: %w", err)
	}
	return nil
}

// CloseFromClear 结案处理
func (r *PostgresIncidentsRepository) CloseFromClear(ctx context.Context, tenantID, cadEventNumber string, units []domain.IncidentUnit, responseSecs *int, audit domain.AuditEntry) (*domain.Incident, []string, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	// 行锁住事件，避免与并发的重复 Clear 交叉写
	lockQuery := `
		SELECT ` + incidentColumns + `
		FROM incidents
		WHERE tenant_id = $1::uuid AND cad_event_number = $2
		FOR UPDATE
	`
	inc, err := scanIncident(tx.QueryRowContext(ctx, lockQuery, tenantID, cadEventNumber))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, false, fmt.Errorf("incident not found: %w", err)
		}
		return nil, nil, false, fmt.Errorf("failed to lock incident: %w", err)
	}

	reported := map[string]bool{}
	for _, u := range units {
		u.IncidentID = inc.IncidentID
		reported[u.Unit] = true
		if err := upsertUnit(ctx, tx, u); err != nil {
			return nil, nil, false, err
		}
	}

	// 重复投递的 Clear：单位时间照补，closed_at 与响应时间保持首个结案的值
	if inc.State == domain.IncidentClosed {
		if err := insertAudit(ctx, tx, audit); err != nil {
			return nil, nil, false, err
		}
		if err := tx.Commit(); err != nil {
			return nil, nil, false, fmt.Errorf("failed to commit clear: %w", err)
		}
		return inc, nil, false, nil
	}

	// 已派遣单位集合，用于对账
	assigned := map[string]bool{}
	rows, err := tx.QueryContext(ctx, `SELECT unit FROM incident_units WHERE incident_id = $1::uuid`, inc.IncidentID)
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to list incident units: %w", err)
	}
	for rows.Next() {
		var unit string
		if err := rows.Scan(&unit); err != nil {
			rows.Close()
			return nil, nil, false, fmt.Errorf("failed to scan unit: %w", err)
		}
		assigned[unit] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, false, fmt.Errorf("failed to iterate units: %w", err)
	}

	// Clear 报文缺失的已派遣单位：不丢弃，生成复核记录
	var flagged []string
	for unit := range assigned {
		if reported[unit] {
			continue
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO incident_unit_review (incident_id, unit, reason) VALUES ($1::uuid, $2, $3)`,
			inc.IncidentID, unit, "unit assigned but absent from clear report",
		)
		if err != nil {
			return nil, nil, false, fmt.Errorf("failed to insert unit review: %w", err)
		}
		flagged = append(flagged, unit)
	}

	closeQuery := `
		UPDATE incidents
		SET state = $2, closed_at = NOW(), response_seconds = $3
		WHERE incident_id = $1::uuid AND state <> $2
		RETURNING closed_at
	`
	if err := tx.QueryRowContext(ctx, closeQuery, inc.IncidentID, domain.IncidentClosed, responseSecs).Scan(&inc.ClosedAt); err != nil {
		return nil, nil, false, fmt.Errorf("failed to close incident: %w", err)
	}
	inc.State = domain.IncidentClosed
	inc.ResponseSecs = responseSecs

	if err := insertAudit(ctx, tx, audit); err != nil {
		return nil, nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, false, fmt.Errorf("failed to commit clear: %w", err)
	}
	return inc, flagged, true, nil
}

// InsertParseError 落数据质量记录
func (r *PostgresIncidentsRepository) InsertParseError(ctx context.Context, perr domain.ParseError) error {
	diags, err := json.Marshal(perr.Diagnostics)
	if err != nil {
		return fmt.Errorf("failed to marshal diagnostics: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO cad_parse_errors (tenant_id, reason, diagnostics, payload_head, received_at)
		VALUES ($1::uuid, $2, $3::jsonb, $4, $5)
	`, perr.TenantID, perr.Reason, string(diags), perr.PayloadHead, perr.ReceivedAt)
	if err != nil {
		return fmt.Errorf("failed to insert parse error: %w", err)
	}
	return nil
}

// ============================================
// 内部辅助
// ============================================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIncident(row rowScanner) (*domain.Incident, error) {
	var inc domain.Incident
	err := row.Scan(
		&inc.IncidentID,
		&inc.TenantID,
		&inc.IncidentNumber,
		&inc.CADEventNumber,
		&inc.Category,
		&inc.State,
		&inc.EventType,
		&inc.EventSubtype,
		&inc.Address,
		&inc.Municipality,
		&inc.ResponseSecs,
		&inc.CreatedAt,
		&inc.ClosedAt,
	)
	if err != nil {
		return nil, err
	}
	return &inc, nil
}

func upsertUnit(ctx context.Context, tx *sql.Tx, u domain.IncidentUnit) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO incident_units (
			incident_id, unit, dispatched, enroute, arrived, available, counts_for_response
		) VALUES ($1::uuid, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (incident_id, unit) DO UPDATE SET
			dispatched = COALESCE(EXCLUDED.dispatched, incident_units.dispatched),
			enroute = COALESCE(EXCLUDED.enroute, incident_units.enroute),
			arrived = COALESCE(EXCLUDED.arrived, incident_units.arrived),
			available = COALESCE(EXCLUDED.available, incident_units.available)
	`, u.IncidentID, u.Unit, u.Dispatched, u.Enroute, u.Arrived, u.Available, u.CountsForResponse)
	if err != nil {
		return fmt.Errorf("failed to upsert incident unit %s: %w", u.Unit, err)
	}
	return nil
}

func insertAudit(ctx context.Context, tx *sql.Tx, audit domain.AuditEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO cad_audit (tenant_id, cad_event_number, kind, mailbox_file, received_at)
		VALUES ($1::uuid, $2, $3, $4, $5)
	`, audit.TenantID, audit.CADEventNumber, audit.Kind, audit.MailboxFile, audit.ReceivedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
