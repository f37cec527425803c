package store

// SyncStatus tracks remote delivery of a message. Transitions are forward
// only: pending -> synced, or pending -> failed. Failed is terminal absent an
// explicit user retry.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// ReadStatus tracks the delivery/read lifecycle, distinct from sync status.
type ReadStatus string

const (
	ReadPending   ReadStatus = "pending"
	ReadSent      ReadStatus = "sent"
	ReadDelivered ReadStatus = "delivered"
	ReadRead      ReadStatus = "read"
)

// Message types.
const (
	TypeText    = "text"
	TypeImage   = "image"
	TypePayment = "payment"
)

// Message is a unit of conversation content. Content holds ciphertext; the
// plaintext never touches the store. The id is client-generated before any
// network round-trip so remote upserts are idempotent.
type Message struct {
	ID             string
	ThreadID       string
	SenderID       string
	Content        string
	Nonce          string
	ImageURL       string
	MessageType    string
	PaymentRef     string
	Deleted        bool
	SyncStatus     SyncStatus
	ReadStatus     ReadStatus
	LocalCreatedAt int64
	CreatedAt      int64 // server-assigned, 0 until synced
	UpdatedAt      int64 // server-assigned, 0 until synced
}

// MessageUpdate is a partial update applied to an existing message. Content is
// immutable once created, so only presentation and status fields are mutable.
type MessageUpdate struct {
	ID         string
	ImageURL   *string
	PaymentRef *string
	ReadStatus *ReadStatus
}

// Thread is a two-party conversation container. Exactly one thread exists per
// unordered participant pair; User1ID/User2ID are stored in normalized order.
type Thread struct {
	ID        string
	User1ID   string
	User2ID   string
	CreatedAt int64
}

// Payment is a wallet transaction referenced by payment-type messages.
type Payment struct {
	ID        string
	ThreadID  string
	PayerID   string
	PayeeID   string
	Amount    int64 // minor units
	Currency  string
	Status    string
	TxRef     string
	CreatedAt int64
}
