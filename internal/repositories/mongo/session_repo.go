package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/yoockh/demoforge/internal/models"
	"github.com/yoockh/demoforge/internal/repositories"
	"github.com/yoockh/demoforge/internal/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const SessionsCollection = "demo_sessions"

type sessionDoc struct {
	ID     string `bson:"_id"`
	DemoID string `bson:"demo_id"`

	RemoteConversationID  string `bson:"remote_conversation_id"`
	RemoteConversationURL string `bson:"remote_conversation_url"`
	ProviderReplicaID     string `bson:"provider_replica_id"`

	Status   string `bson:"status"`
	IsActive *bool  `bson:"is_active,omitempty"`
	IsMock   bool   `bson:"is_mock"`

	ContextSnapshot bson.M `bson:"context_snapshot,omitempty"`

	CreatedAt time.Time  `bson:"created_at"`
	UpdatedAt time.Time  `bson:"updated_at"`
	EndedAt   *time.Time `bson:"ended_at,omitempty"`
}

type sessionRepo struct {
	col *mongo.Collection
}

func NewSessionRepo(db *mongo.Database) repositories.SessionStore {
	return &sessionRepo{col: db.Collection(SessionsCollection)}
}

// Documents always carry is_active once written; absence only occurs on imported rows.
func (r *sessionRepo) SupportsActiveFlag() bool { return true }

func activeFilter(f bson.M) bson.M {
	f["status"] = string(models.StatusActive)
	f["is_active"] = bson.M{"$ne": false}
	return f
}

func (r *sessionRepo) LatestByDemo(ctx context.Context, demoID string, activeOnly bool) (*models.Session, error) {
	filter := bson.M{"demo_id": demoID}
	if activeOnly {
		filter = activeFilter(filter)
	}

	var d sessionDoc
	err := r.col.FindOne(ctx, filter, options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, utils.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromDoc(d), nil
}

func (r *sessionRepo) ListActive(ctx context.Context) ([]models.Session, error) {
	cur, err := r.col.Find(ctx, activeFilter(bson.M{}),
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []sessionDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]models.Session, 0, len(docs))
	for _, d := range docs {
		out = append(out, *fromDoc(d))
	}
	return out, nil
}

func (r *sessionRepo) GetByConversationID(ctx context.Context, conversationID string) (*models.Session, error) {
	var d sessionDoc
	err := r.col.FindOne(ctx, bson.M{"remote_conversation_id": conversationID}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, utils.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromDoc(d), nil
}

func (r *sessionRepo) Insert(ctx context.Context, s *models.Session) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}
	d, err := toDoc(s)
	if err != nil {
		return err
	}
	_, err = r.col.InsertOne(ctx, d)
	if mongo.IsDuplicateKeyError(err) {
		return repositories.ErrDuplicateActive
	}
	return err
}

func (r *sessionRepo) UpdateByID(ctx context.Context, id string, u repositories.SessionUpdate) error {
	return r.update(ctx, bson.M{"_id": id}, u)
}

func (r *sessionRepo) UpdateByConversationID(ctx context.Context, conversationID string, u repositories.SessionUpdate) error {
	return r.update(ctx, bson.M{"remote_conversation_id": conversationID}, u)
}

func (r *sessionRepo) update(ctx context.Context, filter bson.M, u repositories.SessionUpdate) error {
	match := bson.M{}
	for k, v := range filter {
		match[k] = v
	}
	if u.OnlyIfActive {
		match = activeFilter(match)
	}
	res, err := r.col.UpdateOne(ctx, match, bson.M{"$set": bson.M(u.Columns(true, time.Now().UTC()))})
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}
	if !u.OnlyIfActive {
		return utils.ErrNotFound
	}

	n, err := r.col.CountDocuments(ctx, filter, options.Count().SetLimit(1))
	if err != nil {
		return err
	}
	if n > 0 {
		return repositories.ErrNotActive
	}
	return utils.ErrNotFound
}

func toDoc(s *models.Session) (sessionDoc, error) {
	d := sessionDoc{
		ID:                    s.ID,
		DemoID:                s.DemoID,
		RemoteConversationID:  s.RemoteConversationID,
		RemoteConversationURL: s.RemoteConversationURL,
		ProviderReplicaID:     s.ProviderReplicaID,
		Status:                string(s.Status),
		IsActive:              s.IsActive,
		IsMock:                s.IsMock,
		CreatedAt:             s.CreatedAt.UTC(),
		UpdatedAt:             s.UpdatedAt.UTC(),
		EndedAt:               s.EndedAt,
	}
	if len(s.ContextSnapshot) > 0 {
		if err := json.Unmarshal(s.ContextSnapshot, &d.ContextSnapshot); err != nil {
			return d, err
		}
	}
	return d, nil
}

func fromDoc(d sessionDoc) *models.Session {
	s := &models.Session{
		ID:                    d.ID,
		DemoID:                d.DemoID,
		RemoteConversationID:  d.RemoteConversationID,
		RemoteConversationURL: d.RemoteConversationURL,
		ProviderReplicaID:     d.ProviderReplicaID,
		Status:                models.SessionStatus(d.Status),
		IsActive:              d.IsActive,
		IsMock:                d.IsMock,
		CreatedAt:             d.CreatedAt,
		UpdatedAt:             d.UpdatedAt,
		EndedAt:               d.EndedAt,
	}
	if d.ContextSnapshot != nil {
		// bson.M of primitives always marshals
		s.ContextSnapshot, _ = json.Marshal(d.ContextSnapshot)
	}
	return s
}
