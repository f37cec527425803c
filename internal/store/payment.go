package store

import "database/sql"

// CreatePayment inserts a payment row referenced by a payment-type message.
func (db *DB) CreatePayment(p *Payment) error {
	_, err := db.Exec(`
		INSERT INTO payments (id, thread_id, payer_id, payee_id, amount, currency, status, tx_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ThreadID, p.PayerID, p.PayeeID, p.Amount, p.Currency, p.Status, p.TxRef, p.CreatedAt)
	return err
}

// GetPayment returns a payment by id, nil when absent.
func (db *DB) GetPayment(id string) (*Payment, error) {
	var p Payment
	err := db.QueryRow(`
		SELECT id, thread_id, payer_id, payee_id, amount, currency, status, tx_ref, created_at
		FROM payments WHERE id = ?`, id).
		Scan(&p.ID, &p.ThreadID, &p.PayerID, &p.PayeeID, &p.Amount, &p.Currency, &p.Status, &p.TxRef, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdatePaymentStatus advances a payment's status and transaction reference.
func (db *DB) UpdatePaymentStatus(id, status, txRef string) error {
	_, err := db.Exec(`UPDATE payments SET status = ?, tx_ref = ? WHERE id = ?`, status, txRef, id)
	return err
}
