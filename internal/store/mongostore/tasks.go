package mongostore

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"webtasks.org/internal/auth"
	"webtasks.org/internal/tasks"
)

// CreateTask checks the owner first; Mongo has no foreign keys.
func (s *Store) CreateTask(ctx context.Context, t *tasks.Task) error {
	exists, err := s.userExists(ctx, t.OwnerID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: owner %s", auth.ErrNotFound, t.OwnerID)
	}
	now := s.now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	_, err = s.tasks.InsertOne(ctx, taskDoc{
		ID:          t.ID,
		Description: t.Description,
		Done:        t.Done,
		UserID:      t.OwnerID,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	})
	return translate(err)
}

func (s *Store) FindTask(ctx context.Context, id string) (*tasks.Task, error) {
	var doc taskDoc
	if err := s.tasks.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return nil, translate(err)
	}
	return doc.task(), nil
}

func (s *Store) ListTasks(ctx context.Context, ownerID string) ([]*tasks.Task, error) {
	filter := bson.M{}
	if ownerID != "" {
		filter["user_id"] = ownerID
	}
	cur, err := s.tasks.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	result := make([]*tasks.Task, 0)
	for cur.Next(ctx) {
		var doc taskDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		result = append(result, doc.task())
	}
	return result, cur.Err()
}

func (s *Store) UpdateTask(ctx context.Context, id string, patch tasks.Patch) (*tasks.Task, error) {
	set := bson.M{}
	if patch.Description != nil {
		set["description"] = *patch.Description
	}
	if patch.Done != nil {
		set["done"] = *patch.Done
	}
	if len(set) == 0 {
		return s.FindTask(ctx, id)
	}
	set["updated_at"] = s.now().UTC()

	var doc taskDoc
	err := s.tasks.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return nil, translate(err)
	}
	return doc.task(), nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.tasks.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return auth.ErrNotFound
	}
	return nil
}
