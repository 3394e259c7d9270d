package mongostore

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"webtasks.org/internal/account"
	"webtasks.org/internal/auth"
)

func (s *Store) CreateAccount(ctx context.Context, acc *account.Account, passwordHash string) error {
	now := s.now().UTC()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	if acc.UpdatedAt.IsZero() {
		acc.UpdatedAt = now
	}
	acc.Email = normalizeEmail(acc.Email)
	_, err := s.users.InsertOne(ctx, userDoc{
		ID:           acc.ID,
		FirstName:    acc.FirstName,
		LastName:     acc.LastName,
		Email:        acc.Email,
		Role:         string(acc.Role),
		PasswordHash: passwordHash,
		CreatedAt:    acc.CreatedAt,
		UpdatedAt:    acc.UpdatedAt,
	})
	return translate(err)
}

func (s *Store) FindAccount(ctx context.Context, id string) (*account.Account, error) {
	doc, err := s.findUser(ctx, bson.M{"_id": id})
	if err != nil {
		return nil, err
	}
	return doc.account(), nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]*account.Account, error) {
	cur, err := s.users.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	result := make([]*account.Account, 0)
	for cur.Next(ctx) {
		var doc userDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		result = append(result, doc.account())
	}
	return result, cur.Err()
}

func (s *Store) UpdateAccount(ctx context.Context, id string, patch account.Patch) (*account.Account, error) {
	set := bson.M{}
	if patch.FirstName != nil {
		set["first_name"] = *patch.FirstName
	}
	if patch.LastName != nil {
		set["last_name"] = *patch.LastName
	}
	if patch.Email != nil {
		set["email"] = normalizeEmail(*patch.Email)
	}
	if patch.Role != nil {
		set["role"] = string(*patch.Role)
	}
	if patch.PasswordHash != nil {
		set["password_hash"] = *patch.PasswordHash
	}
	if len(set) == 0 {
		return s.FindAccount(ctx, id)
	}
	set["updated_at"] = s.now().UTC()

	var doc userDoc
	err := s.users.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return nil, translate(err)
	}
	return doc.account(), nil
}

// DeleteAccount removes the user and then every task they own.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	res, err := s.users.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return auth.ErrNotFound
	}
	_, err = s.tasks.DeleteMany(ctx, bson.M{"user_id": id})
	return err
}
