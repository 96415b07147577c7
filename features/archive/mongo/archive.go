// Package mongo archives wake bus traffic to MongoDB.
//
// The bus only nudges: once a session is woken the message is gone, which
// leaves nothing to read when support asks why a session did or did not wake.
// Worker replicas tee every dispatched message into a TTL-bounded collection
// so the timeline survives the dispatch. Archiving is advisory; a Mongo
// outage must never block or fail wake delivery, and the bus redelivers
// unacked messages, so the archive can hold duplicate message ids. Readers
// page on the collection's own _id order.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"goa.design/clue/health"

	"github.com/proliferate-ai/proliferate/runtime/wake"
)

type (
	// Options configure the Archive.
	Options struct {
		// Client is the connected Mongo client. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// Collection overrides the default collection name.
		Collection string
		// TTL bounds how long archived messages are kept. The collection's
		// TTL index enforces it server-side. Default 90 days.
		TTL time.Duration
		// Timeout bounds individual operations. Default 5s.
		Timeout time.Duration
	}

	// Archive appends wake messages to a TTL-bounded collection and serves
	// the session timeline reads support tooling relies on.
	Archive struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
	}

	// Page is one slice of a session's archived timeline.
	Page struct {
		// Messages are the archived messages in archive order.
		Messages []wake.Message
		// NextCursor resumes the walk. Empty when the timeline is exhausted.
		NextCursor string
	}

	messageDocument struct {
		ID        bson.ObjectID `bson:"_id,omitempty"`
		MessageID string        `bson:"message_id"`
		Type      string        `bson:"type"`
		SessionID string        `bson:"session_id"`
		Source    string        `bson:"source,omitempty"`
		Payload   []byte        `bson:"payload,omitempty"`
		SentAt    time.Time     `bson:"sent_at"`
	}
)

const (
	defaultCollection = "session_events"
	defaultTTL        = 90 * 24 * time.Hour
	defaultTimeout    = 5 * time.Second
	pingerName        = "wake-archive"
)

var _ health.Pinger = (*Archive)(nil)

// New derives the collection handle, ensures its indexes and returns the
// Archive. Index creation is idempotent, so every replica may call this at
// boot.
func New(opts Options) (*Archive, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	handle := opts.Client.Database(opts.Database).Collection(collName)
	wrapper := mongoCollection{coll: handle}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, wrapper, ttl); err != nil {
		return nil, fmt.Errorf("ensure archive indexes: %w", err)
	}
	return newArchiveWithCollection(opts.Client, wrapper, timeout)
}

// newArchiveWithCollection wires the collection seam directly. Tests call
// this with fakes.
func newArchiveWithCollection(client *mongodriver.Client, coll collection, timeout time.Duration) (*Archive, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Archive{
		mongo:   client,
		coll:    coll,
		timeout: timeout,
	}, nil
}

// Name implements health.Pinger.
func (a *Archive) Name() string {
	return pingerName
}

// Ping implements health.Pinger.
func (a *Archive) Ping(ctx context.Context) error {
	return a.mongo.Ping(ctx, readpref.Primary())
}

// Record appends one wake message to the archive.
func (a *Archive) Record(ctx context.Context, m wake.Message) error {
	if m.SessionID == "" {
		return errors.New("session id is required")
	}
	if m.Type == "" {
		return errors.New("message type is required")
	}
	if m.SentAt.IsZero() {
		return errors.New("sent time is required")
	}

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	doc := messageDocument{
		MessageID: m.ID,
		Type:      string(m.Type),
		SessionID: m.SessionID,
		Source:    m.Source,
		Payload:   append([]byte(nil), m.Payload...),
		SentAt:    m.SentAt.UTC(),
	}
	if _, err := a.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("archive wake %q for session %q: %w", m.Type, m.SessionID, err)
	}
	return nil
}

// Timeline reads one page of a session's archived messages, oldest first.
// The cursor is opaque; pass the previous page's NextCursor to resume.
func (a *Archive) Timeline(ctx context.Context, sessionID, cursor string, limit int) (page Page, err error) {
	if sessionID == "" {
		return Page{}, errors.New("session id is required")
	}
	if limit <= 0 {
		return Page{}, errors.New("limit must be > 0")
	}

	filter := bson.M{"session_id": sessionID}
	if cursor != "" {
		oid, err := bson.ObjectIDFromHex(cursor)
		if err != nil {
			return Page{}, fmt.Errorf("invalid cursor %q: %w", cursor, err)
		}
		filter["_id"] = bson.M{"$gt": oid}
	}

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	cur, err := a.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(limit+1)),
	)
	if err != nil {
		return Page{}, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	var docs []messageDocument
	for cur.Next(ctx) {
		var doc messageDocument
		if err := cur.Decode(&doc); err != nil {
			return Page{}, err
		}
		docs = append(docs, doc)
	}
	if err := cur.Err(); err != nil {
		return Page{}, err
	}

	var next string
	if len(docs) > limit {
		next = docs[limit-1].ID.Hex()
		docs = docs[:limit]
	}
	messages := make([]wake.Message, 0, len(docs))
	for _, doc := range docs {
		messages = append(messages, wake.Message{
			ID:        doc.MessageID,
			Type:      wake.MessageType(doc.Type),
			SessionID: doc.SessionID,
			Source:    doc.Source,
			Payload:   json.RawMessage(append([]byte(nil), doc.Payload...)),
			SentAt:    doc.SentAt,
		})
	}
	return Page{
		Messages:   messages,
		NextCursor: next,
	}, nil
}

func (a *Archive) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.timeout)
}

// ensureIndexes creates the TTL index that bounds retention and the compound
// index the timeline walks.
func ensureIndexes(ctx context.Context, coll collection, ttl time.Duration) error {
	expiry := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "sent_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(int32(ttl / time.Second)),
	}
	if _, err := coll.Indexes().CreateOne(ctx, expiry); err != nil {
		return err
	}
	timeline := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "session_id", Value: 1},
			{Key: "_id", Value: 1},
		},
	}
	_, err := coll.Indexes().CreateOne(ctx, timeline)
	return err
}

type collection interface {
	InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error)
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
