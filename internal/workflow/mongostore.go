package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/pitabwire/qms/model"
)

// MongoCollectionName is the collection holding one document per record type.
const MongoCollectionName = "record_collections"

// MongoRecordStore keeps each record type's collection as a single document
// keyed by the storage key, replaced on every save.
type MongoRecordStore struct {
	coll *mongo.Collection
}

// NewMongoRecordStore creates a MongoDB-backed record store in db.
func NewMongoRecordStore(db *mongo.Database) *MongoRecordStore {
	return &MongoRecordStore{coll: db.Collection(MongoCollectionName)}
}

// Ping checks connectivity to the MongoDB deployment.
func (s *MongoRecordStore) Ping(ctx context.Context) error {
	return s.coll.Database().Client().Ping(ctx, nil)
}

// Load returns the collection of type t.
func (s *MongoRecordStore) Load(ctx context.Context, t model.RecordType) ([]model.Record, error) {
	var doc bson.M
	err := s.coll.FindOne(ctx, bson.M{"_id": t.StorageKey()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return []model.Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongo find %s: %w", t.StorageKey(), err)
	}
	return fromDocument(doc)
}

// SaveAll upserts the document holding type t's collection.
func (s *MongoRecordStore) SaveAll(ctx context.Context, t model.RecordType, records []model.Record) error {
	if err := checkUnique(records); err != nil {
		return err
	}
	doc, err := toDocument(t, records, time.Now().UTC())
	if err != nil {
		return err
	}
	_, err = s.coll.ReplaceOne(ctx,
		bson.M{"_id": t.StorageKey()},
		doc,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongo replace %s: %w", t.StorageKey(), err)
	}
	return nil
}

// toDocument maps records to a BSON document through their JSON form so the
// stored field names match the API and the other stores.
func toDocument(t model.RecordType, records []model.Record, now time.Time) (bson.M, error) {
	if records == nil {
		records = []model.Record{}
	}
	data, err := json.Marshal(struct {
		Records []model.Record `json:"records"`
	}{records})
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", t.StorageKey(), err)
	}

	var doc bson.M
	if err := bson.UnmarshalExtJSON(data, false, &doc); err != nil {
		return nil, fmt.Errorf("convert %s: %w", t.StorageKey(), err)
	}
	doc["_id"] = t.StorageKey()
	doc["record_type"] = string(t)
	doc["updated_at"] = now
	return doc, nil
}

func fromDocument(doc bson.M) ([]model.Record, error) {
	data, err := bson.MarshalExtJSON(bson.M{"records": doc["records"]}, false, false)
	if err != nil {
		return nil, fmt.Errorf("convert document: %w", err)
	}
	var out struct {
		Records []model.Record `json:"records"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	if out.Records == nil {
		out.Records = []model.Record{}
	}
	return out.Records, nil
}
