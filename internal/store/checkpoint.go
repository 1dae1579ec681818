package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/bpelrt/pkg/schema"
)

// Checkpoint applies cp atomically.
func (s *LibSQLStore) Checkpoint(ctx context.Context, cp *Checkpoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint: %w", err)
	}
	defer tx.Rollback()

	if cp.Instance != nil {
		res, err := updateInstance(ctx, tx, cp.InstanceID, *cp.Instance)
		if err != nil {
			return fmt.Errorf("update instance: %w", err)
		}
		if res != nil {
			if err := checkRowsAffected(res, "instance", cp.InstanceID); err != nil {
				return err
			}
		}
	}

	for _, sc := range cp.Scopes {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO scope_instances (instance_id, scope_instance_id, parent_scope_instance_id, scope_id, scope_name)
			 VALUES (?, ?, ?, ?, ?)`,
			cp.InstanceID, sc.ID, nullInt(sc.ParentID), sc.ScopeID, nullStr(sc.ScopeName),
		); err != nil {
			return fmt.Errorf("insert scope instance %d: %w", sc.ID, err)
		}
	}

	now := time.Now().UTC()
	for _, v := range cp.Variables {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO variables (instance_id, scope_instance_id, name, value, updated_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(instance_id, scope_instance_id, name) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
			cp.InstanceID, v.ScopeInstance, v.Name, nullRaw(v.Value), now,
		); err != nil {
			return fmt.Errorf("upsert variable %s: %w", v.Name, err)
		}
	}

	for _, c := range cp.Correlations {
		values, err := json.Marshal(c.Values)
		if err != nil {
			return fmt.Errorf("marshal correlation %s: %w", c.Name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO correlation_sets (instance_id, scope_instance_id, name, process, correlation_key, property_values)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(instance_id, scope_instance_id, name) DO UPDATE SET correlation_key=excluded.correlation_key, property_values=excluded.property_values`,
			cp.InstanceID, c.ScopeInstance, c.Name, c.Process, c.Key, string(values),
		); err != nil {
			return fmt.Errorf("upsert correlation %s: %w", c.Name, err)
		}
	}

	for _, pl := range cp.PartnerLinks {
		myEPR, err := eprJSON(pl.MyEPR)
		if err != nil {
			return err
		}
		partnerEPR, err := eprJSON(pl.PartnerEPR)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO partner_links (instance_id, scope_instance_id, name, my_epr, partner_epr, my_session_id, partner_session_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(instance_id, scope_instance_id, name) DO UPDATE SET my_epr=excluded.my_epr,
			   partner_epr=excluded.partner_epr, my_session_id=excluded.my_session_id, partner_session_id=excluded.partner_session_id`,
			cp.InstanceID, pl.ScopeInstance, pl.Name, myEPR, partnerEPR, nullStr(pl.MySessionID), nullStr(pl.PartnerSessionID),
		); err != nil {
			return fmt.Errorf("upsert partner link %s: %w", pl.Name, err)
		}
	}

	for _, m := range cp.Exchanges {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO message_exchanges (id, instance_id, partner_link, operation, direction, status, request, response, fault, created_at, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET status=excluded.status, response=excluded.response,
			   fault=excluded.fault, completed_at=excluded.completed_at`,
			m.ID, cp.InstanceID, m.PartnerLink, m.Operation, m.Direction, m.Status,
			nullRaw(m.Request), nullRaw(m.Response), nullStr(m.Fault), timeOrNow(m.CreatedAt), nullTime(m.CompletedAt),
		); err != nil {
			return fmt.Errorf("upsert message exchange %s: %w", m.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM activity_failures WHERE instance_id = ?`, cp.InstanceID); err != nil {
		return fmt.Errorf("clear activity failures: %w", err)
	}
	for _, f := range cp.Failures {
		actions, err := json.Marshal(f.Actions)
		if err != nil {
			return fmt.Errorf("marshal recovery actions: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO activity_failures (instance_id, activity_id, reason, data, actions, retries, failed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			cp.InstanceID, f.ActivityID, f.Reason, nullRaw(f.Data), string(actions), f.Retries, timeOrNow(f.FailedAt),
		); err != nil {
			return fmt.Errorf("insert activity failure %d: %w", f.ActivityID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM timers WHERE instance_id = ?`, cp.InstanceID); err != nil {
		return fmt.Errorf("clear timers: %w", err)
	}
	for _, t := range cp.Timers {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO timers (instance_id, timer_id, kind, fire_at) VALUES (?, ?, ?, ?)`,
			cp.InstanceID, t.ID, t.Kind, t.FireAt,
		); err != nil {
			return fmt.Errorf("insert timer %s: %w", t.ID, err)
		}
	}

	for _, e := range cp.Events {
		e.InstanceID = cp.InstanceID
	}
	if err := appendEvents(ctx, tx, cp.Events); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

func (s *LibSQLStore) ListScopeInstances(ctx context.Context, instanceID int64) ([]*ScopeInstance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT scope_instance_id, parent_scope_instance_id, scope_id, scope_name
		 FROM scope_instances WHERE instance_id = ? ORDER BY scope_instance_id`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ScopeInstance
	for rows.Next() {
		sc := &ScopeInstance{InstanceID: instanceID}
		var parent sql.NullInt64
		var name sql.NullString
		if err := rows.Scan(&sc.ID, &parent, &sc.ScopeID, &name); err != nil {
			return nil, err
		}
		sc.ParentID = parent.Int64
		sc.ScopeName = name.String
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) ListVariables(ctx context.Context, instanceID int64) ([]*VariableRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT scope_instance_id, name, value, updated_at
		 FROM variables WHERE instance_id = ? ORDER BY scope_instance_id, name`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*VariableRecord
	for rows.Next() {
		v := &VariableRecord{InstanceID: instanceID}
		var value sql.NullString
		if err := rows.Scan(&v.ScopeInstance, &v.Name, &value, &v.UpdatedAt); err != nil {
			return nil, err
		}
		v.Value = rawOrNil(value)
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) ListCorrelationSets(ctx context.Context, instanceID int64) ([]*CorrelationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT scope_instance_id, name, process, correlation_key, property_values
		 FROM correlation_sets WHERE instance_id = ? ORDER BY scope_instance_id, name`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CorrelationRecord
	for rows.Next() {
		c := &CorrelationRecord{InstanceID: instanceID}
		var values string
		if err := rows.Scan(&c.ScopeInstance, &c.Name, &c.Process, &c.Key, &values); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(values), &c.Values); err != nil {
			return nil, fmt.Errorf("unmarshal correlation %s: %w", c.Name, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// FindByCorrelation returns the instances of process holding key.
func (s *LibSQLStore) FindByCorrelation(ctx context.Context, process, key string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT instance_id FROM correlation_sets WHERE process = ? AND correlation_key = ? ORDER BY instance_id`,
		process, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *LibSQLStore) ListPartnerLinks(ctx context.Context, instanceID int64) ([]*PartnerLinkRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT scope_instance_id, name, my_epr, partner_epr, my_session_id, partner_session_id
		 FROM partner_links WHERE instance_id = ? ORDER BY scope_instance_id, name`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PartnerLinkRecord
	for rows.Next() {
		pl := &PartnerLinkRecord{InstanceID: instanceID}
		var myEPR, partnerEPR, mySession, partnerSession sql.NullString
		if err := rows.Scan(&pl.ScopeInstance, &pl.Name, &myEPR, &partnerEPR, &mySession, &partnerSession); err != nil {
			return nil, err
		}
		if pl.MyEPR, err = parseEPR(myEPR); err != nil {
			return nil, err
		}
		if pl.PartnerEPR, err = parseEPR(partnerEPR); err != nil {
			return nil, err
		}
		pl.MySessionID = mySession.String
		pl.PartnerSessionID = partnerSession.String
		out = append(out, pl)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) ListMessageExchanges(ctx context.Context, instanceID int64) ([]*MessageExchange, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, partner_link, operation, direction, status, request, response, fault, created_at, completed_at
		 FROM message_exchanges WHERE instance_id = ? ORDER BY created_at, id`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*MessageExchange
	for rows.Next() {
		m := &MessageExchange{InstanceID: instanceID}
		var request, response, fault sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(&m.ID, &m.PartnerLink, &m.Operation, &m.Direction, &m.Status,
			&request, &response, &fault, &m.CreatedAt, &completedAt); err != nil {
			return nil, err
		}
		m.Request = rawOrNil(request)
		m.Response = rawOrNil(response)
		m.Fault = fault.String
		if completedAt.Valid {
			m.CompletedAt = &completedAt.Time
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) ListActivityFailures(ctx context.Context, instanceID int64) ([]*ActivityFailure, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT activity_id, reason, data, actions, retries, failed_at
		 FROM activity_failures WHERE instance_id = ? ORDER BY failed_at, activity_id`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ActivityFailure
	for rows.Next() {
		f := &ActivityFailure{InstanceID: instanceID}
		var data sql.NullString
		var actions string
		if err := rows.Scan(&f.ActivityID, &f.Reason, &data, &actions, &f.Retries, &f.FailedAt); err != nil {
			return nil, err
		}
		f.Data = rawOrNil(data)
		if err := json.Unmarshal([]byte(actions), &f.Actions); err != nil {
			return nil, fmt.Errorf("unmarshal recovery actions: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) ListTimers(ctx context.Context, instanceID int64) ([]*Timer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT timer_id, kind, fire_at FROM timers WHERE instance_id = ? ORDER BY fire_at, timer_id`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Timer
	for rows.Next() {
		t := &Timer{InstanceID: instanceID}
		if err := rows.Scan(&t.ID, &t.Kind, &t.FireAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func eprJSON(epr *schema.EndpointReference) (any, error) {
	if epr == nil {
		return nil, nil
	}
	b, err := json.Marshal(epr)
	if err != nil {
		return nil, fmt.Errorf("marshal endpoint reference: %w", err)
	}
	return string(b), nil
}

func parseEPR(ns sql.NullString) (*schema.EndpointReference, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var epr schema.EndpointReference
	if err := json.Unmarshal([]byte(ns.String), &epr); err != nil {
		return nil, fmt.Errorf("unmarshal endpoint reference: %w", err)
	}
	return &epr, nil
}
