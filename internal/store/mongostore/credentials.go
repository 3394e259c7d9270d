package mongostore

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"

	"webtasks.org/internal/auth"
)

func (s *Store) FindActorByID(ctx context.Context, id string) (*auth.Actor, error) {
	doc, err := s.findUser(ctx, bson.M{"_id": id})
	if err != nil {
		return nil, err
	}
	return doc.actor(), nil
}

func (s *Store) FindActorByEmail(ctx context.Context, email string) (*auth.Actor, error) {
	doc, err := s.findUser(ctx, bson.M{"email": normalizeEmail(email)})
	if err != nil {
		return nil, err
	}
	return doc.actor(), nil
}

func (s *Store) SetRenewalCredential(ctx context.Context, actorID, value string) error {
	res, err := s.users.UpdateOne(ctx,
		bson.M{"_id": actorID},
		bson.M{"$set": bson.M{"refresh_token": value}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return auth.ErrNotFound
	}
	return nil
}

// SwapRenewalCredential filters on the expected value so the document-level
// write is the compare-and-swap.
func (s *Store) SwapRenewalCredential(ctx context.Context, actorID, expected, next string) error {
	res, err := s.users.UpdateOne(ctx,
		bson.M{"_id": actorID, "refresh_token": expected},
		bson.M{"$set": bson.M{"refresh_token": next}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 1 {
		return nil
	}
	exists, err := s.userExists(ctx, actorID)
	if err != nil {
		return err
	}
	if !exists {
		return auth.ErrNotFound
	}
	return auth.ErrCredentialConflict
}
