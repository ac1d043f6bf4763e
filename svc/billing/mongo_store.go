package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	accountsCollection = "accounts"
	balancesCollection = "balances"
)

// MongoAccountStore persists accounts in MongoDB. The processing lock lives
// on the account document itself so acquisition is a single conditional
// update, atomic per document.
type MongoAccountStore struct {
	col *mongo.Collection
}

func NewMongoAccountStore(db *mongo.Database) *MongoAccountStore {
	if db == nil {
		panic("billing: mongo database is required")
	}
	return &MongoAccountStore{col: db.Collection(accountsCollection)}
}

type lockDoc struct {
	RequestKey string    `bson:"request_key"`
	AcquiredAt time.Time `bson:"acquired_at"`
}

type accountDoc struct {
	ID          string     `bson:"_id"`
	Email       string     `bson:"email"`
	CustomerID  string     `bson:"customer_id,omitempty"`
	Tier        Tier       `bson:"tier,omitempty"`
	Status      Status     `bson:"status,omitempty"`
	Canceled    bool       `bson:"canceled"`
	PeriodStart *time.Time `bson:"period_start,omitempty"`
	PeriodEnd   *time.Time `bson:"period_end,omitempty"`
	Lock        *lockDoc   `bson:"lock,omitempty"`
	UpdatedAt   time.Time  `bson:"updated_at"`
}

func accountToDoc(a *Account) accountDoc {
	doc := accountDoc{
		ID:          a.ID.String(),
		Email:       a.Email,
		CustomerID:  a.CustomerID,
		Tier:        a.Tier,
		Status:      a.Status,
		Canceled:    a.Canceled,
		PeriodStart: a.PeriodStart,
		PeriodEnd:   a.PeriodEnd,
		UpdatedAt:   a.UpdatedAt,
	}
	if a.Lock != nil {
		doc.Lock = &lockDoc{RequestKey: a.Lock.RequestKey, AcquiredAt: a.Lock.AcquiredAt}
	}
	return doc
}

func docToAccount(doc accountDoc) (*Account, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return nil, err
	}
	account := &Account{
		ID:          id,
		Email:       doc.Email,
		CustomerID:  doc.CustomerID,
		Tier:        doc.Tier,
		Status:      doc.Status,
		Canceled:    doc.Canceled,
		PeriodStart: doc.PeriodStart,
		PeriodEnd:   doc.PeriodEnd,
		UpdatedAt:   doc.UpdatedAt,
	}
	if doc.Lock != nil {
		account.Lock = &ProcessingLock{RequestKey: doc.Lock.RequestKey, AcquiredAt: doc.Lock.AcquiredAt}
	}
	return account, nil
}

func (s *MongoAccountStore) Get(ctx context.Context, id uuid.UUID) (*Account, error) {
	var doc accountDoc
	err := s.col.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return docToAccount(doc)
}

func (s *MongoAccountStore) Save(ctx context.Context, account *Account) error {
	doc := accountToDoc(account)
	_, err := s.col.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

// AcquireLock matches only when the account has no active subscription and
// holds no live lock. MatchedCount zero means some branch of the condition
// failed; the caller disambiguates by re-reading the account.
func (s *MongoAccountStore) AcquireLock(ctx context.Context, id uuid.UUID, requestKey string, staleBefore time.Time) error {
	filter := bson.M{
		"_id":    id.String(),
		"status": bson.M{"$ne": StatusActive},
		"$or": bson.A{
			bson.M{"lock": bson.M{"$exists": false}},
			bson.M{"lock.request_key": ""},
			bson.M{"lock.acquired_at": bson.M{"$lt": staleBefore}},
		},
	}
	update := bson.M{"$set": bson.M{
		"lock": lockDoc{RequestKey: requestKey, AcquiredAt: time.Now().UTC()},
	}}

	res, err := s.col.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrLockNotAcquired
	}
	return nil
}

func (s *MongoAccountStore) ReleaseLock(ctx context.Context, id uuid.UUID) error {
	_, err := s.col.UpdateOne(ctx, bson.M{"_id": id.String()}, bson.M{"$unset": bson.M{"lock": ""}})
	return err
}

// MongoBalanceStore persists token-credit balances in MongoDB.
type MongoBalanceStore struct {
	col *mongo.Collection
}

func NewMongoBalanceStore(db *mongo.Database) *MongoBalanceStore {
	if db == nil {
		panic("billing: mongo database is required")
	}
	return &MongoBalanceStore{col: db.Collection(balancesCollection)}
}

type balanceDoc struct {
	AccountID    string `bson:"_id"`
	TokenCredits int64  `bson:"token_credits"`
}

func (s *MongoBalanceStore) Get(ctx context.Context, accountID uuid.UUID) (*Balance, error) {
	var doc balanceDoc
	err := s.col.FindOne(ctx, bson.M{"_id": accountID.String()}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrBalanceNotFound
		}
		return nil, err
	}
	return &Balance{AccountID: accountID, TokenCredits: doc.TokenCredits}, nil
}

func (s *MongoBalanceStore) Reset(ctx context.Context, accountID uuid.UUID, tokenCredits int64) error {
	_, err := s.col.UpdateOne(ctx,
		bson.M{"_id": accountID.String()},
		bson.M{"$set": bson.M{"token_credits": tokenCredits}},
		options.UpdateOne().SetUpsert(true))
	return err
}
