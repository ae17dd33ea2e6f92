package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Mongo maps each record collection onto a MongoDB collection of the same name, with the
// record id as _id.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
	Now    func() time.Time
}

// createdField holds the nanosecond insert stamp used to break ordering ties. It is never
// returned to callers.
const createdField = "_created"

type MongoConfig struct {
	URI      string
	Database string
	Timeout  time.Duration
}

// OpenMongo connects and pings the server.
func OpenMongo(ctx context.Context, cfg MongoConfig) (*Mongo, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongo uri is required")
	}
	if cfg.Database == "" {
		return nil, errors.New("mongo database is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	opts := options.Client().
		ApplyURI(cfg.URI).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, wrap("connect", cfg.Database, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, wrap("ping", cfg.Database, err)
	}
	return &Mongo{client: client, db: client.Database(cfg.Database), Now: time.Now}, nil
}

func (m *Mongo) Create(ctx context.Context, collection, id string, doc any) error {
	fields, err := toMap(doc)
	if err != nil {
		return err
	}
	fields["_id"] = id
	fields[createdField] = m.now()
	_, err = m.db.Collection(collection).InsertOne(ctx, bson.M(fields))
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrExists)
	}
	return wrap("create", collection, err)
}

func (m *Mongo) Get(ctx context.Context, collection, id string) ([]byte, error) {
	var doc bson.M
	err := m.db.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return nil, wrap("get", collection, err)
	}
	return encodeDoc(doc)
}

func (m *Mongo) List(ctx context.Context, collection string, q Query) ([][]byte, error) {
	if err := checkQuery(q); err != nil {
		return nil, err
	}
	filter := bson.D{}
	for _, c := range q.Where {
		filter = append(filter, bson.E{Key: c.Field, Value: c.Value})
	}
	opts := options.Find().SetSort(listSort(q))
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	cur, err := m.db.Collection(collection).Find(ctx, filter, opts)
	if err != nil {
		return nil, wrap("list", collection, err)
	}
	defer cur.Close(ctx)
	var res [][]byte
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return nil, wrap("list", collection, err)
		}
		raw, err := encodeDoc(doc)
		if err != nil {
			return nil, err
		}
		res = append(res, raw)
	}
	return res, wrap("list", collection, cur.Err())
}

func (m *Mongo) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	set := bson.M{}
	unset := bson.M{}
	for k, v := range fields {
		normalized := any(nil)
		if v != nil {
			var err error
			if normalized, err = normalize(v); err != nil {
				return fmt.Errorf("field %s: %w", k, err)
			}
		}
		if normalized == nil {
			unset[k] = ""
			continue
		}
		set[k] = normalized
	}
	update := bson.M{}
	if len(set) > 0 {
		update["$set"] = set
	}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	if len(update) == 0 {
		_, err := m.Get(ctx, collection, id)
		return err
	}
	res, err := m.db.Collection(collection).UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return wrap("update", collection, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return nil
}

func (m *Mongo) Delete(ctx context.Context, collection, id string) error {
	_, err := m.db.Collection(collection).DeleteOne(ctx, bson.M{"_id": id})
	return wrap("delete", collection, err)
}

func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *Mongo) now() string {
	if m.Now == nil {
		return time.Now().UTC().Format(sortableTime)
	}
	return m.Now().UTC().Format(sortableTime)
}

// listSort orders by q.OrderBy, then by insert stamp and id, matching the sqlite backend.
func listSort(q Query) bson.D {
	dir := 1
	if q.Desc {
		dir = -1
	}
	sort := bson.D{}
	if q.OrderBy != "" {
		sort = append(sort, bson.E{Key: q.OrderBy, Value: dir})
	}
	return append(sort, bson.E{Key: createdField, Value: dir}, bson.E{Key: "_id", Value: dir})
}

func encodeDoc(doc bson.M) ([]byte, error) {
	delete(doc, "_id")
	delete(doc, createdField)
	return json.Marshal(doc)
}
