// Package mongostore implements the credential, account and task stores on
// MongoDB.
package mongostore

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"webtasks.org/internal/account"
	"webtasks.org/internal/auth"
	"webtasks.org/internal/tasks"
)

const (
	usersCollection = "users"
	tasksCollection = "tasks"
)

var (
	_ auth.CredentialStore = (*Store)(nil)
	_ account.Store        = (*Store)(nil)
	_ tasks.Store          = (*Store)(nil)
)

type userDoc struct {
	ID           string    `bson:"_id"`
	FirstName    string    `bson:"first_name"`
	LastName     string    `bson:"last_name"`
	Email        string    `bson:"email"`
	Role         string    `bson:"role"`
	PasswordHash string    `bson:"password_hash"`
	RefreshToken string    `bson:"refresh_token"`
	CreatedAt    time.Time `bson:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at"`
}

func (d userDoc) actor() *auth.Actor {
	return &auth.Actor{
		ID:                d.ID,
		Email:             d.Email,
		Role:              auth.Role(d.Role),
		PasswordHash:      d.PasswordHash,
		RenewalCredential: d.RefreshToken,
	}
}

func (d userDoc) account() *account.Account {
	return &account.Account{
		ID:        d.ID,
		FirstName: d.FirstName,
		LastName:  d.LastName,
		Email:     d.Email,
		Role:      auth.Role(d.Role),
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

type taskDoc struct {
	ID          string    `bson:"_id"`
	Description string    `bson:"description"`
	Done        bool      `bson:"done"`
	UserID      string    `bson:"user_id"`
	CreatedAt   time.Time `bson:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

func (d taskDoc) task() *tasks.Task {
	return &tasks.Task{
		ID:          d.ID,
		Description: d.Description,
		Done:        d.Done,
		OwnerID:     d.UserID,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

// Store keeps users and tasks in two collections keyed by _id.
type Store struct {
	client *mongo.Client
	users  *mongo.Collection
	tasks  *mongo.Collection
	now    func() time.Time
}

// Open connects, pings the primary and ensures indexes.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is empty")
	}
	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pctx, readpref.Primary()); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, err
	}
	s := New(cli.Database(database))
	s.client = cli
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

// New wraps an existing database handle.
func New(db *mongo.Database) *Store {
	return &Store{
		users: db.Collection(usersCollection),
		tasks: db.Collection(tasksCollection),
		now:   time.Now,
	}
}

// EnsureIndexes creates the unique email index and the task owner index.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	if _, err := s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	_, err := s.tasks.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}},
	})
	return err
}

// Ping reports whether the primary is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Store) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return auth.ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		return auth.ErrConflict
	}
	return err
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Store) findUser(ctx context.Context, filter bson.M) (userDoc, error) {
	var doc userDoc
	err := s.users.FindOne(ctx, filter).Decode(&doc)
	return doc, translate(err)
}

func (s *Store) userExists(ctx context.Context, id string) (bool, error) {
	n, err := s.users.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
