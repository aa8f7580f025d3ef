package repo

import (
	"context"
	"database/sql"
	"strings"

	"cashline/internal/domain"
)

func (r Repo) InsertCashTarget(ctx context.Context, t domain.CashTarget) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO cash_targets(id,project_id,target_amount,target_date,status,created_at) VALUES (?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.TargetAmount, t.TargetDate, t.Status, t.CreatedAt)
	return err
}

// ActiveCashTarget returns the most recent ACTIVE cash target for a project.
func (r Repo) ActiveCashTarget(ctx context.Context, projectID string) (domain.CashTarget, error) {
	var t domain.CashTarget
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,project_id,target_amount,target_date,status,created_at FROM cash_targets WHERE project_id=? AND status='ACTIVE' ORDER BY created_at DESC LIMIT 1`, projectID).
		Scan(&t.ID, &t.ProjectID, &t.TargetAmount, &t.TargetDate, &t.Status, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) InsertReceipt(ctx context.Context, rc domain.Receipt) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO receipts(id,project_id,lead_id,amount,created_at) VALUES (?,?,?,?,?)`,
		rc.ID, rc.ProjectID, nullableStringPtr(rc.LeadID), rc.Amount, rc.CreatedAt)
	return err
}

// SumReceipts returns the total cash received for a project.
func (r Repo) SumReceipts(ctx context.Context, projectID string) (float64, error) {
	var sum float64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount),0) FROM receipts WHERE project_id=?`, projectID).Scan(&sum)
	return sum, err
}

func (r Repo) InsertLead(ctx context.Context, l domain.Lead) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO leads(id,project_id,name,phone,source,status,notes,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		l.ID, l.ProjectID, nullable(l.Name), l.Phone, nullable(l.Source), l.Status, nullable(l.Notes), l.CreatedAt, l.UpdatedAt)
	return err
}

func (r Repo) GetLead(ctx context.Context, id string) (domain.Lead, error) {
	var l domain.Lead
	var name, source, notes sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,name,phone,source,status,notes,created_at,updated_at FROM leads WHERE id=?`, id).
		Scan(&l.ID, &l.ProjectID, &name, &l.Phone, &source, &l.Status, &notes, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	if name.Valid {
		l.Name = name.String
	}
	if source.Valid {
		l.Source = source.String
	}
	if notes.Valid {
		l.Notes = notes.String
	}
	return l, nil
}

// ActiveLeads returns leads in any of the given statuses, oldest first.
func (r Repo) ActiveLeads(ctx context.Context, projectID string, statuses []string, limit int) ([]domain.Lead, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(statuses)), ",")
	args := []any{projectID}
	for _, s := range statuses {
		args = append(args, s)
	}
	query := `SELECT id,project_id,COALESCE(name,''),phone,COALESCE(source,''),status,COALESCE(notes,''),created_at,updated_at FROM leads
WHERE project_id=? AND status IN (` + placeholders + `) ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return r.scanLeads(ctx, query, args...)
}

// StaleLeads returns QUALIFIED leads whose updated_at is before the cutoff.
func (r Repo) StaleLeads(ctx context.Context, projectID, cutoff string, limit int) ([]domain.Lead, error) {
	query := `SELECT id,project_id,COALESCE(name,''),phone,COALESCE(source,''),status,COALESCE(notes,''),created_at,updated_at FROM leads
WHERE project_id=? AND status='QUALIFIED' AND updated_at < ? ORDER BY updated_at ASC, id ASC`
	args := []any{projectID, cutoff}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return r.scanLeads(ctx, query, args...)
}

func (r Repo) scanLeads(ctx context.Context, query string, args ...any) ([]domain.Lead, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Lead
	for rows.Next() {
		var l domain.Lead
		if err := rows.Scan(&l.ID, &l.ProjectID, &l.Name, &l.Phone, &l.Source, &l.Status, &l.Notes, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (r Repo) InsertUnit(ctx context.Context, u domain.Unit) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO units(id,project_id,unit_number,bhk,carpet_area,status,base_price,floor_rise,parking,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		u.ID, u.ProjectID, u.UnitNumber, u.BHK, u.CarpetArea, u.Status, u.BasePrice, u.FloorRise, u.Parking, u.CreatedAt)
	return err
}

func (r Repo) GetUnit(ctx context.Context, id string) (domain.Unit, error) {
	var u domain.Unit
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,unit_number,COALESCE(bhk,0),carpet_area,status,base_price,COALESCE(floor_rise,0),COALESCE(parking,0),created_at FROM units WHERE id=?`, id).
		Scan(&u.ID, &u.ProjectID, &u.UnitNumber, &u.BHK, &u.CarpetArea, &u.Status, &u.BasePrice, &u.FloorRise, &u.Parking, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

// AvailableUnits returns AVAILABLE units ordered by creation time.
func (r Repo) AvailableUnits(ctx context.Context, projectID string) ([]domain.Unit, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,project_id,unit_number,COALESCE(bhk,0),carpet_area,status,base_price,COALESCE(floor_rise,0),COALESCE(parking,0),created_at FROM units
WHERE project_id=? AND status='AVAILABLE' ORDER BY created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Unit
	for rows.Next() {
		var u domain.Unit
		if err := rows.Scan(&u.ID, &u.ProjectID, &u.UnitNumber, &u.BHK, &u.CarpetArea, &u.Status, &u.BasePrice, &u.FloorRise, &u.Parking, &u.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) UpdateUnitStatus(ctx context.Context, id, status string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE units SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertDealPage(ctx context.Context, d domain.DealPage) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO deal_pages(id,project_id,lead_id,link_code,unit_ids_json,expires_at,created_at) VALUES (?,?,?,?,?,?,?)`,
		d.ID, d.ProjectID, d.LeadID, d.LinkCode, d.UnitIDsJSON, d.ExpiresAt, d.CreatedAt)
	return err
}

// HasActiveDealPage reports whether a lead already has a non-expired page.
func (r Repo) HasActiveDealPage(ctx context.Context, leadID, now string) (bool, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT 1 FROM deal_pages WHERE lead_id=? AND expires_at > ? LIMIT 1`, leadID, now)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	return rows.Next(), nil
}

func (r Repo) GetDealPageByCode(ctx context.Context, linkCode string) (domain.DealPage, error) {
	var d domain.DealPage
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,lead_id,link_code,unit_ids_json,expires_at,created_at FROM deal_pages WHERE link_code=?`, linkCode).
		Scan(&d.ID, &d.ProjectID, &d.LeadID, &d.LinkCode, &d.UnitIDsJSON, &d.ExpiresAt, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

func (r Repo) InsertToken(ctx context.Context, t domain.Token) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tokens(id,deal_page_id,amount,status,created_at) VALUES (?,?,?,?,?)`,
		t.ID, t.DealPageID, t.Amount, t.Status, t.CreatedAt)
	return err
}

func (r Repo) InsertTokenTx(ctx context.Context, tx *sql.Tx, t domain.Token) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tokens(id,deal_page_id,amount,status,created_at) VALUES (?,?,?,?,?)`,
		t.ID, t.DealPageID, t.Amount, t.Status, t.CreatedAt)
	return err
}

// MarkTokenPaidTx flips a CREATED token to PAID and reports how many rows
// changed. Zero means the token was missing or already settled.
func (r Repo) MarkTokenPaidTx(ctx context.Context, tx *sql.Tx, id string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tokens SET status='PAID' WHERE id=? AND status='CREATED'`, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) InsertReceiptTx(ctx context.Context, tx *sql.Tx, rc domain.Receipt) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO receipts(id,project_id,lead_id,amount,created_at) VALUES (?,?,?,?,?)`,
		rc.ID, rc.ProjectID, nullableStringPtr(rc.LeadID), rc.Amount, rc.CreatedAt)
	return err
}

// PendingToken joins a CREATED token with the lead behind its deal page.
type PendingToken struct {
	Token    domain.Token
	LeadID   string
	LeadName string
	Phone    string
}

// PendingTokens returns CREATED tokens older than the cutoff for a project.
func (r Repo) PendingTokens(ctx context.Context, projectID, cutoff string, limit int) ([]PendingToken, error) {
	query := `SELECT t.id,t.deal_page_id,t.amount,t.status,t.created_at,l.id,COALESCE(l.name,''),l.phone
FROM tokens t
JOIN deal_pages d ON d.id=t.deal_page_id
JOIN leads l ON l.id=d.lead_id
WHERE d.project_id=? AND t.status='CREATED' AND t.created_at < ?
ORDER BY t.created_at ASC, t.id ASC`
	args := []any{projectID, cutoff}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []PendingToken
	for rows.Next() {
		var p PendingToken
		if err := rows.Scan(&p.Token.ID, &p.Token.DealPageID, &p.Token.Amount, &p.Token.Status, &p.Token.CreatedAt, &p.LeadID, &p.LeadName, &p.Phone); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// TokenDetail resolves a token back to the project and lead behind its
// deal page.
type TokenDetail struct {
	Token     domain.Token
	ProjectID string
	LeadID    string
}

func (r Repo) GetTokenDetail(ctx context.Context, id string) (TokenDetail, error) {
	var d TokenDetail
	err := r.DB.QueryRowContext(ctx,
		`SELECT t.id,t.deal_page_id,t.amount,t.status,t.created_at,dp.project_id,dp.lead_id
FROM tokens t JOIN deal_pages dp ON dp.id=t.deal_page_id WHERE t.id=?`, id).
		Scan(&d.Token.ID, &d.Token.DealPageID, &d.Token.Amount, &d.Token.Status, &d.Token.CreatedAt, &d.ProjectID, &d.LeadID)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
