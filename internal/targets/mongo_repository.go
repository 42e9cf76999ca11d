package targets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/odyssey-erp/odyssey-targets/internal/periods"
)

// MongoCollection is the collection name used by the document store.
const MongoCollection = "sales_targets"

type mongoRepository struct {
	coll *mongo.Collection
}

// NewMongoRepository returns a Repository backed by a MongoDB collection.
func NewMongoRepository(db *mongo.Database) Repository {
	return &mongoRepository{coll: db.Collection(MongoCollection)}
}

// EnsureMongoIndexes creates the indexes used by the due-target queries.
func EnsureMongoIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection(MongoCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "isRecurring", Value: 1}, {Key: "status", Value: 1}, {Key: "period", Value: 1}, {Key: "currentPeriodEnd", Value: 1}}},
		{Keys: bson.D{{Key: "agentId", Value: 1}, {Key: "customerCode", Value: 1}}},
	})
	return err
}

type attributionDoc struct {
	SourceRef  string               `bson:"sourceRef"`
	Amount     primitive.Decimal128 `bson:"amount"`
	RecordedAt time.Time            `bson:"recordedAt"`
}

type historyDoc struct {
	Period          string               `bson:"period"`
	TargetAmount    primitive.Decimal128 `bson:"targetAmount"`
	AchievedAmount  primitive.Decimal128 `bson:"achievedAmount"`
	AchievementRate primitive.Decimal128 `bson:"achievementRate"`
	ArchivedAt      time.Time            `bson:"archivedAt"`
}

type targetDoc struct {
	ID                 string               `bson:"_id"`
	CustomerCode       string               `bson:"customerCode"`
	CustomerName       string               `bson:"customerName"`
	AgentID            string               `bson:"agentId"`
	TargetAmount       primitive.Decimal128 `bson:"targetAmount"`
	Period             string               `bson:"period"`
	IsRecurring        bool                 `bson:"isRecurring"`
	CurrentPeriodStart time.Time            `bson:"currentPeriodStart"`
	CurrentPeriodEnd   time.Time            `bson:"currentPeriodEnd"`
	Deadline           time.Time            `bson:"deadline"`
	AchievedAmount     primitive.Decimal128 `bson:"achievedAmount"`
	AchievementRate    primitive.Decimal128 `bson:"achievementRate"`
	Status             string               `bson:"status"`
	History            []historyDoc         `bson:"history"`
	Orders             []attributionDoc     `bson:"orders"`
	Transactions       []attributionDoc     `bson:"transactions"`
	PeriodSeq          int64                `bson:"periodSeq"`
	Version            int64                `bson:"version"`
	CreatedAt          time.Time            `bson:"createdAt"`
	LastRecalculated   time.Time            `bson:"lastRecalculated"`
	UpdatedAt          time.Time            `bson:"updatedAt"`
}

func (r *mongoRepository) Create(ctx context.Context, t *Target) error {
	doc, err := toDoc(t)
	if err != nil {
		return err
	}
	_, err = r.coll.InsertOne(ctx, doc)
	return persistenceErr("create", t.ID, err)
}

func (r *mongoRepository) Get(ctx context.Context, id string) (*Target, error) {
	var doc targetDoc
	if err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, persistenceErr("get", id, err)
	}
	return fromDoc(doc)
}

func (r *mongoRepository) List(ctx context.Context, filter ListFilter) ([]Target, int, error) {
	filter = filter.normalised()
	query := bson.M{}
	if filter.Status != nil {
		query["status"] = string(*filter.Status)
	}
	if filter.Period != nil {
		query["period"] = string(*filter.Period)
	}
	if filter.AgentID != "" {
		query["agentId"] = filter.AgentID
	}
	if filter.CustomerCode != "" {
		query["customerCode"] = filter.CustomerCode
	}

	total, err := r.coll.CountDocuments(ctx, query)
	if err != nil {
		return nil, 0, persistenceErr("count", "", err)
	}

	direction := 1
	if filter.Desc {
		direction = -1
	}
	opts := options.Find().
		SetSort(bson.D{{Key: mongoSortField(filter.Sort), Value: direction}, {Key: "_id", Value: 1}}).
		SetLimit(int64(filter.Limit)).
		SetSkip(int64(filter.Offset))
	list, err := r.find(ctx, "list", query, opts)
	if err != nil {
		return nil, 0, err
	}
	return list, int(total), nil
}

func (r *mongoRepository) ListDueRecurring(ctx context.Context, kind periods.Kind, now time.Time) ([]Target, error) {
	return r.find(ctx, "list due recurring", bson.M{
		"isRecurring":      true,
		"status":           string(StatusActive),
		"period":           string(kind),
		"currentPeriodEnd": bson.M{"$lt": now},
	}, options.Find().SetSort(bson.D{{Key: "currentPeriodEnd", Value: 1}, {Key: "_id", Value: 1}}))
}

func (r *mongoRepository) ListDueOneOff(ctx context.Context, now time.Time) ([]Target, error) {
	return r.find(ctx, "list due one-off", bson.M{
		"isRecurring":      false,
		"status":           string(StatusActive),
		"currentPeriodEnd": bson.M{"$lt": now},
	}, options.Find().SetSort(bson.D{{Key: "currentPeriodEnd", Value: 1}, {Key: "_id", Value: 1}}))
}

func (r *mongoRepository) Update(ctx context.Context, t *Target, expectedVersion int64) error {
	doc, err := toDoc(t)
	if err != nil {
		return err
	}
	doc.Version = expectedVersion + 1
	res, err := r.coll.ReplaceOne(ctx, bson.M{"_id": t.ID, "version": expectedVersion}, doc)
	if err != nil {
		return persistenceErr("update", t.ID, err)
	}
	if res.MatchedCount == 0 {
		count, err := r.coll.CountDocuments(ctx, bson.M{"_id": t.ID})
		if err != nil {
			return persistenceErr("update", t.ID, err)
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	t.Version = expectedVersion + 1
	return nil
}

func (r *mongoRepository) find(ctx context.Context, op string, filter bson.M, opts *options.FindOptions) ([]Target, error) {
	cursor, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, persistenceErr(op, "", err)
	}
	defer cursor.Close(ctx)

	var list []Target
	for cursor.Next(ctx) {
		var doc targetDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, persistenceErr(op, "", err)
		}
		t, err := fromDoc(doc)
		if err != nil {
			return nil, persistenceErr(op, doc.ID, err)
		}
		list = append(list, *t)
	}
	if err := cursor.Err(); err != nil {
		return nil, persistenceErr(op, "", err)
	}
	return list, nil
}

func mongoSortField(field SortField) string {
	switch field {
	case SortPeriodEnd:
		return "currentPeriodEnd"
	case SortCustomerCode:
		return "customerCode"
	default:
		return "createdAt"
	}
}

func toDecimal128(d decimal.Decimal) (primitive.Decimal128, error) {
	return primitive.ParseDecimal128(d.String())
}

func fromDecimal128(d primitive.Decimal128) (decimal.Decimal, error) {
	return decimal.NewFromString(d.String())
}

func toDoc(t *Target) (targetDoc, error) {
	doc := targetDoc{
		ID:                 t.ID,
		CustomerCode:       t.CustomerCode,
		CustomerName:       t.CustomerName,
		AgentID:            t.AgentID,
		Period:             string(t.Period),
		IsRecurring:        t.IsRecurring,
		CurrentPeriodStart: t.CurrentPeriodStart,
		CurrentPeriodEnd:   t.CurrentPeriodEnd,
		Deadline:           t.Deadline,
		Status:             string(t.Status),
		History:            make([]historyDoc, 0, len(t.History)),
		Orders:             make([]attributionDoc, 0, len(t.Orders)),
		Transactions:       make([]attributionDoc, 0, len(t.Transactions)),
		PeriodSeq:          t.PeriodSeq,
		Version:            t.Version,
		CreatedAt:          t.CreatedAt,
		LastRecalculated:   t.LastRecalculated,
		UpdatedAt:          t.UpdatedAt,
	}
	var err error
	if doc.TargetAmount, err = toDecimal128(t.TargetAmount); err != nil {
		return doc, fmt.Errorf("target amount: %w", err)
	}
	if doc.AchievedAmount, err = toDecimal128(t.AchievedAmount); err != nil {
		return doc, fmt.Errorf("achieved amount: %w", err)
	}
	if doc.AchievementRate, err = toDecimal128(t.AchievementRate); err != nil {
		return doc, fmt.Errorf("achievement rate: %w", err)
	}
	for _, h := range t.History {
		hd := historyDoc{Period: h.Period, ArchivedAt: h.ArchivedAt}
		if hd.TargetAmount, err = toDecimal128(h.TargetAmount); err != nil {
			return doc, err
		}
		if hd.AchievedAmount, err = toDecimal128(h.AchievedAmount); err != nil {
			return doc, err
		}
		if hd.AchievementRate, err = toDecimal128(h.AchievementRate); err != nil {
			return doc, err
		}
		doc.History = append(doc.History, hd)
	}
	if doc.Orders, err = toAttributionDocs(t.Orders); err != nil {
		return doc, err
	}
	if doc.Transactions, err = toAttributionDocs(t.Transactions); err != nil {
		return doc, err
	}
	return doc, nil
}

func toAttributionDocs(list []Attribution) ([]attributionDoc, error) {
	out := make([]attributionDoc, 0, len(list))
	for _, a := range list {
		amount, err := toDecimal128(a.Amount)
		if err != nil {
			return nil, err
		}
		out = append(out, attributionDoc{SourceRef: a.SourceRef, Amount: amount, RecordedAt: a.RecordedAt})
	}
	return out, nil
}

func fromDoc(doc targetDoc) (*Target, error) {
	t := &Target{
		ID:                 doc.ID,
		CustomerCode:       doc.CustomerCode,
		CustomerName:       doc.CustomerName,
		AgentID:            doc.AgentID,
		Period:             periods.Kind(doc.Period),
		IsRecurring:        doc.IsRecurring,
		CurrentPeriodStart: doc.CurrentPeriodStart.UTC(),
		CurrentPeriodEnd:   doc.CurrentPeriodEnd.UTC(),
		Deadline:           doc.Deadline.UTC(),
		Status:             Status(doc.Status),
		PeriodSeq:          doc.PeriodSeq,
		Version:            doc.Version,
		CreatedAt:          doc.CreatedAt,
		LastRecalculated:   doc.LastRecalculated,
		UpdatedAt:          doc.UpdatedAt,
	}
	var err error
	if t.TargetAmount, err = fromDecimal128(doc.TargetAmount); err != nil {
		return nil, fmt.Errorf("target amount: %w", err)
	}
	if t.AchievedAmount, err = fromDecimal128(doc.AchievedAmount); err != nil {
		return nil, fmt.Errorf("achieved amount: %w", err)
	}
	if t.AchievementRate, err = fromDecimal128(doc.AchievementRate); err != nil {
		return nil, fmt.Errorf("achievement rate: %w", err)
	}
	for _, hd := range doc.History {
		h := HistoryEntry{Period: hd.Period, ArchivedAt: hd.ArchivedAt}
		if h.TargetAmount, err = fromDecimal128(hd.TargetAmount); err != nil {
			return nil, err
		}
		if h.AchievedAmount, err = fromDecimal128(hd.AchievedAmount); err != nil {
			return nil, err
		}
		if h.AchievementRate, err = fromDecimal128(hd.AchievementRate); err != nil {
			return nil, err
		}
		t.History = append(t.History, h)
	}
	if t.Orders, err = fromAttributionDocs(doc.Orders); err != nil {
		return nil, err
	}
	if t.Transactions, err = fromAttributionDocs(doc.Transactions); err != nil {
		return nil, err
	}
	return t, nil
}

func fromAttributionDocs(list []attributionDoc) ([]Attribution, error) {
	if len(list) == 0 {
		return nil, nil
	}
	out := make([]Attribution, 0, len(list))
	for _, d := range list {
		amount, err := fromDecimal128(d.Amount)
		if err != nil {
			return nil, err
		}
		out = append(out, Attribution{SourceRef: d.SourceRef, Amount: amount, RecordedAt: d.RecordedAt})
	}
	return out, nil
}
