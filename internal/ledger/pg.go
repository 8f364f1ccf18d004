package ledger

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"campusone.org/internal/ids"
	"campusone.org/internal/scope"
	"campusone.org/internal/tenant"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store on PostgreSQL through the tenant-scoped choke
// point. Payment mutations lock the obligation row with FOR UPDATE before
// touching anything else; when a payment row must be locked too, it is
// always taken after the obligation, so concurrent payments and refunds
// cannot deadlock.
type PGStore struct {
	db    *scope.DB
	trail Trail
}

// NewPGStore wraps the scoped pool. Payment and refund transactions append
// their audit entry through trail before committing.
func NewPGStore(db *scope.DB, trail Trail) *PGStore {
	return &PGStore{db: db, trail: trail}
}

func (s *PGStore) CreateStructure(ctx context.Context, structure *FeeStructure) error {
	if structure.ID == "" {
		structure.ID = ids.New()
	}
	if structure.TenantID == "" {
		structure.TenantID = tenant.IDFromContext(ctx)
	}
	return s.db.Write(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			insert into fee_structures (id, tenant_id, name, class_id, currency, due_date)
			values ($1, $2, $3, $4, $5, $6)
			returning created_at
		`, structure.ID, structure.TenantID, structure.Name, nullIfEmpty(structure.ClassID),
			structure.Currency, structure.DueDate,
		).Scan(&structure.CreatedAt)
		if err != nil {
			return err
		}
		for _, c := range structure.Components {
			_, err := tx.ExecContext(ctx, `
				insert into fee_components (id, tenant_id, structure_id, name, amount, optional, sort_order)
				values ($1, $2, $3, $4, $5, $6, $7)
			`, c.ID, structure.TenantID, structure.ID, c.Name, c.Amount, c.Optional, c.SortOrder)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PGStore) GetStructure(ctx context.Context, id string) (*FeeStructure, error) {
	var structure FeeStructure
	err := s.db.Read(ctx, func(tx *sql.Tx) error {
		var err error
		structure, err = loadStructure(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &structure, nil
}

func loadStructure(ctx context.Context, tx *sql.Tx, id string) (FeeStructure, error) {
	var (
		structure FeeStructure
		classID   sql.NullString
	)
	err := tx.QueryRowContext(ctx, `
		select id, tenant_id, name, class_id, currency, due_date, created_at
		from fee_structures where id = $1
	`, id).Scan(&structure.ID, &structure.TenantID, &structure.Name, &classID,
		&structure.Currency, &structure.DueDate, &structure.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return FeeStructure{}, ErrNotFound
	}
	if err != nil {
		return FeeStructure{}, err
	}
	structure.ClassID = classID.String

	rows, err := tx.QueryContext(ctx, `
		select id, structure_id, name, amount, optional, sort_order
		from fee_components
		where structure_id = $1
		order by sort_order, id
	`, id)
	if err != nil {
		return FeeStructure{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var c FeeComponent
		if err := rows.Scan(&c.ID, &c.StructureID, &c.Name, &c.Amount, &c.Optional, &c.SortOrder); err != nil {
			return FeeStructure{}, err
		}
		structure.Components = append(structure.Components, c)
	}
	return structure, rows.Err()
}

func (s *PGStore) ListStructures(ctx context.Context) ([]FeeStructure, error) {
	var out []FeeStructure
	err := s.db.Read(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			select id, tenant_id, name, class_id, currency, due_date, created_at
			from fee_structures
			order by due_date, id
		`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				structure FeeStructure
				classID   sql.NullString
			)
			if err := rows.Scan(&structure.ID, &structure.TenantID, &structure.Name, &classID,
				&structure.Currency, &structure.DueDate, &structure.CreatedAt); err != nil {
				return err
			}
			structure.ClassID = classID.String
			out = append(out, structure)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PGStore) AssignStructure(ctx context.Context, structureID string, studentIDs []string) (int, error) {
	created := 0
	err := s.db.Write(ctx, func(tx *sql.Tx) error {
		structure, err := loadStructure(ctx, tx, structureID)
		if err != nil {
			return err
		}
		total := structure.Total()
		for _, studentID := range studentIDs {
			var exists bool
			err := tx.QueryRowContext(ctx, `
				select exists(
					select 1 from student_fees
					where student_id = $1 and structure_id = $2
				)
			`, studentID, structureID).Scan(&exists)
			if err != nil {
				return err
			}
			if exists {
				continue
			}

			feeID := ids.New()
			_, err = tx.ExecContext(ctx, `
				insert into student_fees
					(id, tenant_id, student_id, structure_id, status, currency, total_amount, paid_amount, due_date)
				values ($1, $2, $3, $4, $5, $6, $7, 0, $8)
			`, feeID, structure.TenantID, studentID, structureID, StatusUnpaid,
				structure.Currency, total, structure.DueDate)
			if err != nil {
				return err
			}
			for _, c := range structure.Components {
				_, err := tx.ExecContext(ctx, `
					insert into student_fee_items
						(id, tenant_id, student_fee_id, component_id, name, amount, paid_amount)
					values ($1, $2, $3, $4, $5, $6, 0)
				`, ids.New(), structure.TenantID, feeID, c.ID, c.Name, c.Amount)
				if err != nil {
					return err
				}
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

func (s *PGStore) ListFees(ctx context.Context, filter FeeFilter) ([]StudentFee, error) {
	query := `
		select id, tenant_id, student_id, structure_id, status, currency,
		       total_amount, paid_amount, due_date, created_at
		from student_fees
		where 1=1`
	args := []any{}
	if filter.StudentID != "" {
		args = append(args, filter.StudentID)
		query += ` and student_id = $` + strconv.Itoa(len(args))
	}
	if filter.StructureID != "" {
		args = append(args, filter.StructureID)
		query += ` and structure_id = $` + strconv.Itoa(len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += ` and status = $` + strconv.Itoa(len(args))
	}
	query += ` order by due_date desc, id`

	var out []StudentFee
	err := s.db.Read(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var fee StudentFee
			if err := rows.Scan(&fee.ID, &fee.TenantID, &fee.StudentID, &fee.StructureID,
				&fee.Status, &fee.Currency, &fee.TotalAmount, &fee.PaidAmount,
				&fee.DueDate, &fee.CreatedAt); err != nil {
				return err
			}
			out = append(out, fee)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PGStore) GetFee(ctx context.Context, id string) (*StudentFee, error) {
	var fee StudentFee
	err := s.db.Read(ctx, func(tx *sql.Tx) error {
		var err error
		fee, err = loadFee(ctx, tx, id, false)
		if err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, `
			select id, student_fee_id, amount, method, reference, status, recorded_by, received_at, created_at
			from payments
			where student_fee_id = $1
			order by created_at, id
		`, id)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				p          Payment
				recordedBy sql.NullString
			)
			if err := rows.Scan(&p.ID, &p.StudentFeeID, &p.Amount, &p.Method, &p.Reference,
				&p.Status, &recordedBy, &p.ReceivedAt, &p.CreatedAt); err != nil {
				return err
			}
			p.RecordedBy = recordedBy.String
			p.TenantID = fee.TenantID
			fee.Payments = append(fee.Payments, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return &fee, nil
}

// loadFee reads the obligation and its items. With lock=true the obligation
// row is taken FOR UPDATE; items need no lock of their own because every
// writer goes through the obligation lock first.
func loadFee(ctx context.Context, tx *sql.Tx, id string, lock bool) (StudentFee, error) {
	query := `
		select id, tenant_id, student_id, structure_id, status, currency,
		       total_amount, paid_amount, due_date, created_at
		from student_fees
		where id = $1`
	if lock {
		query += ` for update`
	}
	var fee StudentFee
	err := tx.QueryRowContext(ctx, query, id).Scan(
		&fee.ID, &fee.TenantID, &fee.StudentID, &fee.StructureID, &fee.Status,
		&fee.Currency, &fee.TotalAmount, &fee.PaidAmount, &fee.DueDate, &fee.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return StudentFee{}, ErrNotFound
	}
	if err != nil {
		return StudentFee{}, err
	}

	rows, err := tx.QueryContext(ctx, `
		select id, student_fee_id, component_id, name, amount, paid_amount, created_at
		from student_fee_items
		where student_fee_id = $1
		order by created_at, id
	`, id)
	if err != nil {
		return StudentFee{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var item StudentFeeItem
		if err := rows.Scan(&item.ID, &item.StudentFeeID, &item.ComponentID, &item.Name,
			&item.Amount, &item.PaidAmount, &item.CreatedAt); err != nil {
			return StudentFee{}, err
		}
		fee.Items = append(fee.Items, item)
	}
	return fee, rows.Err()
}

func (s *PGStore) ApplyPayment(ctx context.Context, feeID string, payment *Payment, today time.Time) (*StudentFee, error) {
	var out StudentFee
	err := s.db.Write(ctx, func(tx *sql.Tx) error {
		fee, err := loadFee(ctx, tx, feeID, true)
		if err != nil {
			return err
		}
		before := make(map[string]int64, len(fee.Items))
		for _, item := range fee.Items {
			before[item.ID] = item.PaidAmount
		}
		if err := allocate(&fee, payment.Amount, today); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			insert into payments
				(id, tenant_id, student_fee_id, amount, method, reference, status, recorded_by, received_at)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, payment.ID, fee.TenantID, fee.ID, payment.Amount, payment.Method,
			payment.Reference, payment.Status, nullIfEmpty(payment.RecordedBy), payment.ReceivedAt)
		if err != nil {
			return err
		}
		if err := persistAllocations(ctx, tx, &fee, before); err != nil {
			return err
		}
		if s.trail != nil {
			if err := s.trail.AppendTx(ctx, tx, paymentAuditEntry(ctx, &fee, payment)); err != nil {
				return err
			}
		}
		out = fee
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *PGStore) RefundPayment(ctx context.Context, paymentID string, today time.Time) (*StudentFee, *Payment, error) {
	var (
		outFee     StudentFee
		outPayment Payment
	)
	err := s.db.Write(ctx, func(tx *sql.Tx) error {
		// Find the obligation first so the locks are taken in the fixed
		// order: obligation, then payment.
		var feeID string
		err := tx.QueryRowContext(ctx,
			`select student_fee_id from payments where id = $1`, paymentID,
		).Scan(&feeID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		fee, err := loadFee(ctx, tx, feeID, true)
		if err != nil {
			return err
		}

		var (
			p          Payment
			recordedBy sql.NullString
		)
		err = tx.QueryRowContext(ctx, `
			select id, student_fee_id, amount, method, reference, status, recorded_by, received_at, created_at
			from payments
			where id = $1
			for update
		`, paymentID).Scan(&p.ID, &p.StudentFeeID, &p.Amount, &p.Method, &p.Reference,
			&p.Status, &recordedBy, &p.ReceivedAt, &p.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		p.RecordedBy = recordedBy.String
		p.TenantID = fee.TenantID
		if p.Status == PaymentRefunded {
			return ErrAlreadyRefunded
		}
		if p.Status != PaymentSuccess {
			return ErrNotRefundable
		}

		before := make(map[string]int64, len(fee.Items))
		for _, item := range fee.Items {
			before[item.ID] = item.PaidAmount
		}
		deallocate(&fee, p.Amount, today)

		if _, err := tx.ExecContext(ctx,
			`update payments set status = $2 where id = $1`, p.ID, PaymentRefunded); err != nil {
			return err
		}
		if err := persistAllocations(ctx, tx, &fee, before); err != nil {
			return err
		}
		p.Status = PaymentRefunded
		if s.trail != nil {
			if err := s.trail.AppendTx(ctx, tx, refundAuditEntry(ctx, &fee, &p)); err != nil {
				return err
			}
		}
		outFee = fee
		outPayment = p
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &outFee, &outPayment, nil
}

// persistAllocations writes back changed item balances and the obligation's
// amounts and status.
func persistAllocations(ctx context.Context, tx *sql.Tx, fee *StudentFee, before map[string]int64) error {
	for _, item := range fee.Items {
		if item.PaidAmount == before[item.ID] {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`update student_fee_items set paid_amount = $2 where id = $1`,
			item.ID, item.PaidAmount); err != nil {
			return err
		}
	}
	_, err := tx.ExecContext(ctx,
		`update student_fees set paid_amount = $2, status = $3 where id = $1`,
		fee.ID, fee.PaidAmount, fee.Status)
	return err
}

func (s *PGStore) MarkOverdue(ctx context.Context, today time.Time) ([]OverdueTransition, error) {
	var transitions []OverdueTransition
	err := s.db.Write(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			update student_fees
			set status = $1
			where status = $2 and due_date < $3
			returning id, student_id, due_date, total_amount - paid_amount
		`, StatusOverdue, StatusUnpaid, dateOnly(today))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var tr OverdueTransition
			if err := rows.Scan(&tr.StudentFeeID, &tr.StudentID, &tr.DueDate, &tr.Outstanding); err != nil {
				return err
			}
			transitions = append(transitions, tr)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return transitions, nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

