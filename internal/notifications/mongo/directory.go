// Package mongo implements the token directory over the MongoDB users collection.
package mongo

import (
	"context"
	"errors"
	"fmt"

	"github.com/bissquit/epharmacy-notify/internal/notifications"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	// DefaultCollection holds user documents.
	DefaultCollection = "users"
	// DefaultTokenField is the document field carrying the device token.
	DefaultTokenField = "fcmToken"
)

// Directory is a notifications.Directory backed by MongoDB.
type Directory struct {
	users      *mongo.Collection
	tokenField string
}

var (
	_ notifications.Directory   = (*Directory)(nil)
	_ notifications.TokenPruner = (*Directory)(nil)
)

// NewDirectory creates a directory over db. Empty names fall back to the defaults.
func NewDirectory(db *mongo.Database, collection, tokenField string) *Directory {
	if collection == "" {
		collection = DefaultCollection
	}
	if tokenField == "" {
		tokenField = DefaultTokenField
	}
	return &Directory{
		users:      db.Collection(collection),
		tokenField: tokenField,
	}
}

// ResolveToken implements notifications.Directory.
func (d *Directory) ResolveToken(ctx context.Context, userID string) (string, bool, error) {
	opts := options.FindOne().SetProjection(bson.M{d.tokenField: 1})

	var doc bson.M
	err := d.users.FindOne(ctx, bson.M{"_id": documentID(userID)}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("find user %s: %w", userID, err)
	}

	token, _ := doc[d.tokenField].(string)
	return token, token != "", nil
}

// ResolveTokens implements notifications.Directory.
// Results follow the order of userIDs; duplicates resolve once.
func (d *Directory) ResolveTokens(ctx context.Context, userIDs []string) ([]notifications.UserToken, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	ids := make([]any, 0, len(userIDs))
	for _, id := range userIDs {
		ids = append(ids, documentID(id))
	}

	filter := bson.M{
		"_id":        bson.M{"$in": ids},
		d.tokenField: bson.M{"$nin": bson.A{nil, ""}},
	}
	opts := options.Find().SetProjection(bson.M{d.tokenField: 1})

	cursor, err := d.users.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find users: %w", err)
	}

	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}

	tokens := make(map[string]string, len(docs))
	for _, doc := range docs {
		token, _ := doc[d.tokenField].(string)
		if token == "" {
			continue
		}
		tokens[idString(doc["_id"])] = token
	}

	result := make([]notifications.UserToken, 0, len(tokens))
	seen := make(map[string]struct{}, len(tokens))
	for _, id := range userIDs {
		token, ok := tokens[idString(documentID(id))]
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, notifications.UserToken{UserID: id, Token: token})
	}
	return result, nil
}

// PruneToken implements notifications.TokenPruner by unsetting the token field,
// unless the user has registered a different token since.
func (d *Directory) PruneToken(ctx context.Context, userID, token string) error {
	filter := bson.M{"_id": documentID(userID), d.tokenField: token}
	update := bson.M{"$unset": bson.M{d.tokenField: ""}}
	if _, err := d.users.UpdateOne(ctx, filter, update); err != nil {
		return fmt.Errorf("prune token for %s: %w", userID, err)
	}
	return nil
}

// documentID matches ObjectID-keyed users when the id parses as hex.
func documentID(userID string) any {
	if oid, err := bson.ObjectIDFromHex(userID); err == nil {
		return oid
	}
	return userID
}

func idString(v any) string {
	switch id := v.(type) {
	case bson.ObjectID:
		return id.Hex()
	case string:
		return id
	default:
		return fmt.Sprint(id)
	}
}
