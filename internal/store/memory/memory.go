package memory

import (
	"cmp"
	"context"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"brickledger/backend/internal/domain"
	"brickledger/backend/internal/store"
)

type Store struct {
	mu sync.RWMutex

	pieces map[string]domain.Piece
	sets   map[string]domain.Set
	boms   map[string][]domain.BOMEntry

	lots      map[int64]domain.Lot
	movements []domain.StockMovement

	sales       map[int64]domain.Sale
	saleItems   map[int64]domain.SaleItem
	itemPieces  []domain.SaleItemPiece
	sagasByRef  map[string]domain.SaleSaga
	auditLogs   []domain.AuditLog
	usersByName map[string]domain.UserAccount

	nextLotID      int64
	nextMovementID int64
	nextSaleID     int64
	nextItemID     int64
	nextPieceRowID int64
	nextSagaID     int64
}

var _ store.Repository = (*Store)(nil)

func New() *Store {
	return &Store{
		pieces:      make(map[string]domain.Piece),
		sets:        make(map[string]domain.Set),
		boms:        make(map[string][]domain.BOMEntry),
		lots:        make(map[int64]domain.Lot),
		sales:       make(map[int64]domain.Sale),
		saleItems:   make(map[int64]domain.SaleItem),
		sagasByRef:  make(map[string]domain.SaleSaga),
		usersByName: make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store with dev users and a small demo catalog.
func NewSeeded() *Store {
	s := New()
	s.usersByName = seedUsers()

	now := time.Now().UTC()
	for _, p := range []domain.Piece{
		{Ref: "3001-RED", Name: "Brick 2x4", Color: "red"},
		{Ref: "3003-BLU", Name: "Brick 2x2", Color: "blue"},
		{Ref: "3024-WHT", Name: "Plate 1x1", Color: "white"},
		{Ref: "973-MINI", Name: "Minifig torso"},
	} {
		p.CreatedAt = now
		s.pieces[p.Ref] = p
	}
	s.sets["S-HOUSE"] = domain.Set{ID: "S-HOUSE", Name: "Starter house", CreatedAt: now}
	s.boms["S-HOUSE"] = []domain.BOMEntry{
		{SetID: "S-HOUSE", PieceRef: "3001-RED", Quantity: 8},
		{SetID: "S-HOUSE", PieceRef: "3003-BLU", Quantity: 4},
		{SetID: "S-HOUSE", PieceRef: "3024-WHT", Quantity: 6},
		{SetID: "S-HOUSE", PieceRef: "973-MINI", Quantity: 1},
	}
	return s
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CLERK_PASSWORD;
// unset values fall back to dev defaults with a warning.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	clerkPwd := envOr("SEED_CLERK_PASSWORD", "clerk123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CLERK_PASSWORD") == "" {
		logrus.WithField("module", "memory-store").Warn("using default dev credentials, set SEED_ADMIN_PASSWORD and SEED_CLERK_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"clerk", clerkPwd, "clerk"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logrus.WithField("module", "memory-store").Fatalf("failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) UpsertPiece(_ context.Context, piece domain.Piece) error {
	piece.Ref = strings.TrimSpace(piece.Ref)
	if piece.Ref == "" {
		return store.ErrInvalidTransaction
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if piece.CreatedAt.IsZero() {
		piece.CreatedAt = time.Now().UTC()
	}
	s.pieces[piece.Ref] = piece
	return nil
}

func (s *Store) GetPiece(_ context.Context, ref string) (*domain.Piece, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	piece, ok := s.pieces[ref]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &piece, nil
}

func (s *Store) UpsertSet(_ context.Context, set domain.Set, bom []domain.BOMEntry) error {
	set.ID = strings.TrimSpace(set.ID)
	if set.ID == "" {
		return store.ErrInvalidTransaction
	}
	entries := make([]domain.BOMEntry, 0, len(bom))
	for _, entry := range bom {
		if entry.PieceRef == "" || entry.Quantity < 1 {
			return store.ErrInvalidTransaction
		}
		entry.SetID = set.ID
		entries = append(entries, entry)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if set.CreatedAt.IsZero() {
		set.CreatedAt = time.Now().UTC()
	}
	s.sets[set.ID] = set
	s.boms[set.ID] = entries
	return nil
}

func (s *Store) GetSet(_ context.Context, setID string) (*domain.Set, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.sets[setID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &set, nil
}

func (s *Store) ListBOM(_ context.Context, setID string) ([]domain.BOMEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.boms[setID]), nil
}

func (s *Store) CreateLot(_ context.Context, lot domain.Lot) (*domain.Lot, error) {
	if strings.TrimSpace(lot.Code) == "" {
		return nil, store.ErrInvalidTransaction
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.lots {
		if existing.Code == lot.Code {
			return nil, store.ErrConflict
		}
	}
	s.nextLotID++
	lot.ID = s.nextLotID
	if lot.CreatedAt.IsZero() {
		lot.CreatedAt = time.Now().UTC()
	}
	s.lots[lot.ID] = lot
	return &lot, nil
}

func (s *Store) GetLot(_ context.Context, id int64) (*domain.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lot, ok := s.lots[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &lot, nil
}

func (s *Store) ListMovementsByPiece(_ context.Context, pieceRef string) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.StockMovement, 0, 16)
	for _, m := range s.movements {
		if m.PieceRef == pieceRef {
			out = append(out, cloneMovement(m))
		}
	}
	slices.SortStableFunc(out, compareMovement)
	return out, nil
}

func (s *Store) ListMovementsBySource(_ context.Context, sourceType domain.SourceType, sourceIDs []int64) ([]domain.StockMovement, error) {
	ids := idSet(sourceIDs)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.StockMovement, 0, len(sourceIDs))
	for _, m := range s.movements {
		if m.SourceType == sourceType && ids[m.SourceID] {
			out = append(out, cloneMovement(m))
		}
	}
	slices.SortStableFunc(out, compareMovement)
	return out, nil
}

func (s *Store) InsertMovements(_ context.Context, movements []domain.StockMovement) ([]domain.StockMovement, error) {
	for _, m := range movements {
		if err := validateMovement(m); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.StockMovement, 0, len(movements))
	for _, m := range movements {
		s.nextMovementID++
		m.ID = s.nextMovementID
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now().UTC()
		}
		m = cloneMovement(m)
		s.movements = append(s.movements, m)
		out = append(out, cloneMovement(m))
	}
	return out, nil
}

func (s *Store) DeleteMovementsBySource(_ context.Context, sourceType domain.SourceType, sourceIDs []int64) (int64, error) {
	ids := idSet(sourceIDs)
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.movements[:0]
	var deleted int64
	for _, m := range s.movements {
		if m.SourceType == sourceType && ids[m.SourceID] {
			deleted++
			continue
		}
		kept = append(kept, m)
	}
	s.movements = kept
	return deleted, nil
}

func (s *Store) ListOrphanMovements(_ context.Context) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.StockMovement, 0)
	for _, m := range s.movements {
		if m.SourceType != domain.SourceSale && m.SourceType != domain.SourceSaleCancel {
			continue
		}
		if _, ok := s.saleItems[m.SourceID]; !ok {
			out = append(out, cloneMovement(m))
		}
	}
	slices.SortStableFunc(out, compareMovement)
	return out, nil
}

func (s *Store) InsertSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.Reference == "" {
		return nil, store.ErrInvalidTransaction
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.sales {
		if existing.Reference == sale.Reference {
			return nil, store.ErrConflict
		}
	}
	s.nextSaleID++
	sale.ID = s.nextSaleID
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	s.sales[sale.ID] = sale
	return &sale, nil
}

func (s *Store) GetSale(_ context.Context, id int64) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &sale, nil
}

func (s *Store) FindSaleByReference(_ context.Context, reference string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sale := range s.sales {
		if sale.Reference == reference {
			found := sale
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListSales(_ context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Sale, 0, len(s.sales))
	for _, sale := range s.sales {
		if filter.From != "" && sale.SaleDate < filter.From {
			continue
		}
		if filter.To != "" && sale.SaleDate > filter.To {
			continue
		}
		if filter.Status != "" && sale.Status != filter.Status {
			continue
		}
		out = append(out, sale)
	}
	slices.SortFunc(out, func(a, b domain.Sale) int {
		if c := cmp.Compare(b.SaleDate, a.SaleDate); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) UpdateSaleTotals(_ context.Context, id int64, cost, margin decimal.Decimal, rate decimal.NullDecimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sale, ok := s.sales[id]
	if !ok {
		return store.ErrNotFound
	}
	sale.TotalCostAmount = cost
	sale.TotalMarginAmount = margin
	sale.MarginRate = rate
	s.sales[id] = sale
	return nil
}

func (s *Store) UpdateSaleStatus(_ context.Context, id int64, status domain.SaleStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sale, ok := s.sales[id]
	if !ok {
		return store.ErrNotFound
	}
	sale.Status = status
	s.sales[id] = sale
	return nil
}

func (s *Store) DeleteSale(_ context.Context, id int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sales[id]; !ok {
		return 0, nil
	}
	delete(s.sales, id)
	return 1, nil
}

func (s *Store) InsertSaleItems(_ context.Context, items []domain.SaleItem) ([]domain.SaleItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		if _, ok := s.sales[item.SaleID]; !ok {
			return nil, store.ErrNotFound
		}
	}
	out := make([]domain.SaleItem, 0, len(items))
	for _, item := range items {
		s.nextItemID++
		item.ID = s.nextItemID
		item = cloneSaleItem(item)
		s.saleItems[item.ID] = item
		out = append(out, cloneSaleItem(item))
	}
	return out, nil
}

func (s *Store) ListSaleItems(_ context.Context, saleID int64) ([]domain.SaleItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.SaleItem, 0, 4)
	for _, item := range s.saleItems {
		if item.SaleID == saleID {
			out = append(out, cloneSaleItem(item))
		}
	}
	slices.SortFunc(out, func(a, b domain.SaleItem) int {
		if c := cmp.Compare(a.LineIndex, b.LineIndex); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *Store) UpdateSaleItemCosts(_ context.Context, itemID int64, cost decimal.Decimal, margin decimal.NullDecimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.saleItems[itemID]
	if !ok {
		return store.ErrNotFound
	}
	item.CostAmount = cost
	item.MarginAmount = margin
	s.saleItems[itemID] = item
	return nil
}

func (s *Store) DeleteSaleItems(_ context.Context, saleID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, item := range s.saleItems {
		if item.SaleID == saleID {
			delete(s.saleItems, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) InsertSaleItemPieces(_ context.Context, rows []domain.SaleItemPiece) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		if _, ok := s.saleItems[row.SaleItemID]; !ok {
			return store.ErrNotFound
		}
	}
	for _, row := range rows {
		s.nextPieceRowID++
		row.ID = s.nextPieceRowID
		s.itemPieces = append(s.itemPieces, row)
	}
	return nil
}

func (s *Store) ListSaleItemPieces(_ context.Context, saleID int64) ([]domain.SaleItemPiece, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.SaleItemPiece, 0, 8)
	for _, row := range s.itemPieces {
		if row.SaleID == saleID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *Store) DeleteSaleItemPieces(_ context.Context, saleID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.itemPieces[:0]
	var deleted int64
	for _, row := range s.itemPieces {
		if row.SaleID == saleID {
			deleted++
			continue
		}
		kept = append(kept, row)
	}
	s.itemPieces = kept
	return deleted, nil
}

func (s *Store) CreateSaga(_ context.Context, saga domain.SaleSaga) (*domain.SaleSaga, error) {
	if saga.Reference == "" {
		return nil, store.ErrInvalidTransaction
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sagasByRef[saga.Reference]; exists {
		return nil, store.ErrConflict
	}
	s.nextSagaID++
	saga.ID = s.nextSagaID
	now := time.Now().UTC()
	if saga.CreatedAt.IsZero() {
		saga.CreatedAt = now
	}
	if saga.UpdatedAt.IsZero() {
		saga.UpdatedAt = now
	}
	s.sagasByRef[saga.Reference] = cloneSaga(saga)
	return &saga, nil
}

func (s *Store) GetSagaByReference(_ context.Context, reference string) (*domain.SaleSaga, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	saga, ok := s.sagasByRef[reference]
	if !ok {
		return nil, store.ErrNotFound
	}
	saga = cloneSaga(saga)
	return &saga, nil
}

func (s *Store) UpdateSaga(_ context.Context, saga domain.SaleSaga) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sagasByRef[saga.Reference]; !ok {
		return store.ErrNotFound
	}
	if saga.UpdatedAt.IsZero() {
		saga.UpdatedAt = time.Now().UTC()
	}
	s.sagasByRef[saga.Reference] = cloneSaga(saga)
	return nil
}

func (s *Store) ListRetryableSagas(_ context.Context, now time.Time, staleBefore time.Time, limit int) ([]domain.SaleSaga, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.SaleSaga, 0)
	for _, saga := range s.sagasByRef {
		switch saga.Status {
		case domain.SagaCompensationFailed:
			if saga.NextAttemptAt != nil && saga.NextAttemptAt.After(now) {
				continue
			}
		case domain.SagaPending:
			if !saga.UpdatedAt.Before(staleBefore) {
				continue
			}
		default:
			continue
		}
		out = append(out, cloneSaga(saga))
	}
	slices.SortFunc(out, func(a, b domain.SaleSaga) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AuditLog, 0, 32)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || user.Password == "" || user.Role == "" {
		return store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.usersByName[username]; exists {
		return store.ErrInvalidTransaction
	}
	user.Username = username
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByName[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.UserAccount, 0, len(s.usersByName))
	for _, user := range s.usersByName {
		out = append(out, user)
	}
	slices.SortFunc(out, func(a, b domain.UserAccount) int {
		return cmp.Compare(a.Username, b.Username)
	})
	return out, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || password == "" {
		return store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.usersByName[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByName[username] = user
	return nil
}

func validateMovement(m domain.StockMovement) error {
	if strings.TrimSpace(m.PieceRef) == "" {
		return store.ErrInvalidTransaction
	}
	switch m.Direction {
	case domain.DirectionIn, domain.DirectionOut:
		if m.Quantity < 1 {
			return store.ErrInvalidTransaction
		}
	case domain.DirectionAdjust:
		if m.Quantity == 0 {
			return store.ErrInvalidTransaction
		}
	default:
		return store.ErrInvalidTransaction
	}
	if m.UnitCost.Valid && m.UnitCost.Decimal.IsNegative() {
		return store.ErrInvalidTransaction
	}
	return nil
}

func compareMovement(a, b domain.StockMovement) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func idSet(ids []int64) map[int64]bool {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func cloneMovement(src domain.StockMovement) domain.StockMovement {
	dst := src
	if src.LotID != nil {
		lot := *src.LotID
		dst.LotID = &lot
	}
	return dst
}

func cloneSaleItem(src domain.SaleItem) domain.SaleItem {
	dst := src
	if src.Overrides.Final != nil {
		dst.Overrides.Final = maps.Clone(src.Overrides.Final)
	}
	if src.Overrides.Legacy != nil {
		dst.Overrides.Legacy = slices.Clone(src.Overrides.Legacy)
	}
	return dst
}

func cloneSaga(src domain.SaleSaga) domain.SaleSaga {
	dst := src
	if src.NextAttemptAt != nil {
		at := *src.NextAttemptAt
		dst.NextAttemptAt = &at
	}
	return dst
}
