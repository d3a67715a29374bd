package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"pricefinder/internal/domain"
)

const (
	trafficCollection = "traffic"
	trafficDocID      = "counters"
)

type searchRecordDoc struct {
	Query     string `bson:"query"`
	Timestamp int64  `bson:"timestamp"`
}

type trafficDoc struct {
	ID            string            `bson:"_id"`
	TotalSearches int64             `bson:"totalSearches"`
	Requesters    []string          `bson:"requesters"`
	SearchHistory []searchRecordDoc `bson:"searchHistory"`
	UpdatedAt     int64             `bson:"updatedAt"`
}

// TrafficRepository keeps the traffic counters in a single upserted document.
type TrafficRepository struct {
	collection *mongo.Collection
}

func Connect(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	opts := append([]*options.ClientOptions{options.Client().ApplyURI(uri)}, extra...)
	return mongo.Connect(ctx, opts...)
}

func NewTrafficRepository(client *mongo.Client, dbName string) *TrafficRepository {
	return &TrafficRepository{collection: client.Database(dbName).Collection(trafficCollection)}
}

func (r *TrafficRepository) Load(ctx context.Context) (domain.TrafficSnapshot, bool, error) {
	var doc trafficDoc
	err := r.collection.FindOne(ctx, bson.M{"_id": trafficDocID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.TrafficSnapshot{}, false, nil
		}
		return domain.TrafficSnapshot{}, false, err
	}
	return fromTrafficDoc(doc), true, nil
}

func (r *TrafficRepository) Save(ctx context.Context, snapshot domain.TrafficSnapshot) error {
	doc := toTrafficDoc(snapshot, time.Now())
	update := bson.M{
		"$set": bson.M{
			"totalSearches": doc.TotalSearches,
			"requesters":    doc.Requesters,
			"searchHistory": doc.SearchHistory,
			"updatedAt":     doc.UpdatedAt,
		},
	}
	_, err := r.collection.UpdateOne(
		ctx,
		bson.M{"_id": trafficDocID},
		update,
		options.Update().SetUpsert(true),
	)
	return err
}

func toTrafficDoc(s domain.TrafficSnapshot, now time.Time) trafficDoc {
	history := make([]searchRecordDoc, 0, len(s.SearchHistory))
	for _, rec := range s.SearchHistory {
		history = append(history, searchRecordDoc{Query: rec.Query, Timestamp: rec.Timestamp.UnixMilli()})
	}
	requesters := s.Requesters
	if requesters == nil {
		requesters = []string{}
	}
	return trafficDoc{
		ID:            trafficDocID,
		TotalSearches: s.TotalSearches,
		Requesters:    requesters,
		SearchHistory: history,
		UpdatedAt:     now.Unix(),
	}
}

func fromTrafficDoc(doc trafficDoc) domain.TrafficSnapshot {
	history := make([]domain.SearchRecord, 0, len(doc.SearchHistory))
	for _, rec := range doc.SearchHistory {
		history = append(history, domain.SearchRecord{
			Query:     rec.Query,
			Timestamp: time.UnixMilli(rec.Timestamp).UTC(),
		})
	}
	return domain.TrafficSnapshot{
		TotalSearches:  doc.TotalSearches,
		UniqueVisitors: len(doc.Requesters),
		Requesters:     append([]string(nil), doc.Requesters...),
		SearchHistory:  history,
	}
}
