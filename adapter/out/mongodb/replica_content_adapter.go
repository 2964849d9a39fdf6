// Package mongodb implements the content store on MongoDB.
package mongodb

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"time"

	"replica_server/core/port/out"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	collectionMessageContents = "message_contents"
	collectionDatasets        = "datasets"

	// Bodies smaller than this are stored uncompressed.
	compressionThreshold = 1024
)

// ContentAdapter implements out.ContentStore. Keys are deterministic per
// message so a re-synced window overwrites instead of duplicating.
type ContentAdapter struct {
	messages *mongo.Collection
	datasets *mongo.Collection
}

// NewContentAdapter creates a new MongoDB content adapter.
func NewContentAdapter(db *mongo.Database) *ContentAdapter {
	return &ContentAdapter{
		messages: db.Collection(collectionMessageContents),
		datasets: db.Collection(collectionDatasets),
	}
}

// EnsureIndexes creates the collection indexes.
func (a *ContentAdapter) EnsureIndexes(ctx context.Context) error {
	messageIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "key", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "coach_id", Value: 1}, {Key: "thread_id", Value: 1}, {Key: "sent_at", Value: 1}},
		},
	}
	if _, err := a.messages.Indexes().CreateMany(ctx, messageIndexes); err != nil {
		return err
	}

	datasetIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "key", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}
	_, err := a.datasets.Indexes().CreateMany(ctx, datasetIndexes)
	return err
}

// =============================================================================
// Document Models
// =============================================================================

type contentDocument struct {
	Key       string    `bson:"key"`
	CoachID   string    `bson:"coach_id"`
	MessageID string    `bson:"message_id"`
	ThreadID  string    `bson:"thread_id"`
	From      string    `bson:"from"`
	To        []string  `bson:"to"`
	Subject   string    `bson:"subject"`

	Text         []byte `bson:"text,omitempty"`
	HTML         []byte `bson:"html,omitempty"`
	IsCompressed bool   `bson:"is_compressed"`
	OriginalSize int64  `bson:"original_size"`

	IsFromCoach bool      `bson:"is_from_coach"`
	SentAt      time.Time `bson:"sent_at"`
	StoredAt    time.Time `bson:"stored_at"`
}

type datasetDocument struct {
	Key      string    `bson:"key"`
	CoachID  string    `bson:"coach_id"`
	Name     string    `bson:"name"`
	Data     []byte    `bson:"data"`
	Size     int64     `bson:"size"`
	StoredAt time.Time `bson:"stored_at"`
}

// =============================================================================
// Message Content
// =============================================================================

// Put stores one message body under its deterministic key.
func (a *ContentAdapter) Put(ctx context.Context, coachID uuid.UUID, content *out.MessageContent) (string, error) {
	key := messageKey(coachID, content.SentAt, content.MessageID)

	doc := contentDocument{
		Key:         key,
		CoachID:     coachID.String(),
		MessageID:   content.MessageID,
		ThreadID:    content.ThreadID,
		From:        content.From,
		To:          content.To,
		Subject:     content.Subject,
		IsFromCoach: content.IsFromCoach,
		SentAt:      content.SentAt,
		StoredAt:    time.Now(),
	}

	doc.OriginalSize = int64(len(content.Text) + len(content.HTML))
	doc.IsCompressed = doc.OriginalSize > compressionThreshold

	var err error
	doc.Text, err = encodeBody([]byte(content.Text), doc.IsCompressed)
	if err != nil {
		return "", fmt.Errorf("compress text: %w", err)
	}
	doc.HTML, err = encodeBody([]byte(content.HTML), doc.IsCompressed)
	if err != nil {
		return "", fmt.Errorf("compress html: %w", err)
	}

	opts := options.Replace().SetUpsert(true)
	if _, err := a.messages.ReplaceOne(ctx, bson.M{"key": key}, doc, opts); err != nil {
		return "", fmt.Errorf("failed to store message content: %w", err)
	}
	return key, nil
}

// Get loads one message body. An absent key returns (nil, nil).
func (a *ContentAdapter) Get(ctx context.Context, key string) (*out.MessageContent, error) {
	var doc contentDocument
	err := a.messages.FindOne(ctx, bson.M{"key": key}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message content: %w", err)
	}
	return docToContent(&doc)
}

// ListThreadMessages returns a thread's stored messages sorted by SentAt.
func (a *ContentAdapter) ListThreadMessages(ctx context.Context, coachID uuid.UUID, threadID string) ([]*out.MessageContent, error) {
	filter := bson.M{"coach_id": coachID.String(), "thread_id": threadID}
	opts := options.Find().SetSort(bson.D{{Key: "sent_at", Value: 1}})

	cursor, err := a.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list thread messages: %w", err)
	}
	defer cursor.Close(ctx)

	var contents []*out.MessageContent
	for cursor.Next(ctx) {
		var doc contentDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode message content: %w", err)
		}
		content, err := docToContent(&doc)
		if err != nil {
			return nil, err
		}
		contents = append(contents, content)
	}
	return contents, cursor.Err()
}

// =============================================================================
// Datasets
// =============================================================================

// PutDataset stores one serialized training batch.
func (a *ContentAdapter) PutDataset(ctx context.Context, coachID uuid.UUID, name string, data []byte) (string, error) {
	key := datasetKey(coachID, time.Now(), name)

	doc := datasetDocument{
		Key:      key,
		CoachID:  coachID.String(),
		Name:     name,
		Data:     data,
		Size:     int64(len(data)),
		StoredAt: time.Now(),
	}

	opts := options.Replace().SetUpsert(true)
	if _, err := a.datasets.ReplaceOne(ctx, bson.M{"key": key}, doc, opts); err != nil {
		return "", fmt.Errorf("failed to store dataset: %w", err)
	}
	return key, nil
}

// GetDataset loads one training batch by key.
func (a *ContentAdapter) GetDataset(ctx context.Context, key string) ([]byte, error) {
	var doc datasetDocument
	err := a.datasets.FindOne(ctx, bson.M{"key": key}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dataset: %w", err)
	}
	return doc.Data, nil
}

// =============================================================================
// Helpers
// =============================================================================

// Key layout: mail/<coach>/<category>/<yyyy-mm>/<id>.
func messageKey(coachID uuid.UUID, sentAt time.Time, messageID string) string {
	return fmt.Sprintf("mail/%s/raw/%s/%s", coachID, sentAt.UTC().Format("2006-01"), messageID)
}

func datasetKey(coachID uuid.UUID, at time.Time, name string) string {
	return fmt.Sprintf("mail/%s/dataset/%s/%s", coachID, at.UTC().Format("2006-01"), name)
}

func encodeBody(data []byte, compress bool) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if !compress {
		return data, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeBody(data []byte, compressed bool) ([]byte, error) {
	if len(data) == 0 || !compressed {
		return data, nil
	}

	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func docToContent(doc *contentDocument) (*out.MessageContent, error) {
	text, err := decodeBody(doc.Text, doc.IsCompressed)
	if err != nil {
		return nil, fmt.Errorf("decompress text: %w", err)
	}
	html, err := decodeBody(doc.HTML, doc.IsCompressed)
	if err != nil {
		return nil, fmt.Errorf("decompress html: %w", err)
	}

	return &out.MessageContent{
		MessageID:   doc.MessageID,
		ThreadID:    doc.ThreadID,
		From:        doc.From,
		To:          doc.To,
		Subject:     doc.Subject,
		Text:        string(text),
		HTML:        string(html),
		IsFromCoach: doc.IsFromCoach,
		SentAt:      doc.SentAt,
	}, nil
}

var _ out.ContentStore = (*ContentAdapter)(nil)
