package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"ucdriver-go/domain/profile"
)

// profileDocument is the MongoDB document structure for profiles.
type profileDocument struct {
	ID          string           `bson:"_id"`
	Name        string           `bson:"name"`
	UserDataDir string           `bson:"user_data_dir,omitempty"`
	Language    string           `bson:"language,omitempty"`
	Cookies     []cookieDocument `bson:"cookies,omitempty"`
	UpdatedAt   time.Time        `bson:"updated_at"`
}

// cookieDocument is the MongoDB document structure for cookies.
type cookieDocument struct {
	Name         string  `bson:"name"`
	Value        string  `bson:"value"`
	Domain       string  `bson:"domain"`
	Path         string  `bson:"path"`
	Expires      float64 `bson:"expires,omitempty"`
	HTTPOnly     bool    `bson:"http_only"`
	Secure       bool    `bson:"secure"`
	SameSite     string  `bson:"same_site,omitempty"`
	SourcePort   int     `bson:"source_port"`
	SourceScheme string  `bson:"source_scheme,omitempty"`
	Priority     string  `bson:"priority,omitempty"`
}

// MongoProfileRepository implements profile.Repository using MongoDB.
type MongoProfileRepository struct {
	collection *mongo.Collection
	logger     *slog.Logger
}

// NewMongoProfileRepository creates a new MongoDB-based profile repository.
func NewMongoProfileRepository(db *MongoDB, logger *slog.Logger) *MongoProfileRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &MongoProfileRepository{
		collection: db.Collection(ProfileCollection),
		logger:     logger,
	}
}

// FindByID retrieves a profile by its unique identifier.
func (r *MongoProfileRepository) FindByID(ctx context.Context, id string) (*profile.Profile, error) {
	var doc profileDocument
	if err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find profile: %w", err)
	}
	return documentToProfile(&doc), nil
}

// FindAll retrieves all profiles.
func (r *MongoProfileRepository) FindAll(ctx context.Context) ([]*profile.Profile, error) {
	cursor, err := r.collection.Find(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("failed to find profiles: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []profileDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode profiles: %w", err)
	}

	profiles := make([]*profile.Profile, len(docs))
	for i := range docs {
		profiles[i] = documentToProfile(&docs[i])
	}
	return profiles, nil
}

// Insert creates a new profile.
func (r *MongoProfileRepository) Insert(ctx context.Context, p *profile.Profile) error {
	if _, err := r.collection.InsertOne(ctx, profileToDocument(p)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return profile.ErrDuplicateID
		}
		return fmt.Errorf("failed to insert profile: %w", err)
	}
	r.logger.Info("Profile inserted", "id", p.ID, "name", p.Name)
	return nil
}

// Update updates an existing profile.
func (r *MongoProfileRepository) Update(ctx context.Context, p *profile.Profile) error {
	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": p.ID}, bson.M{"$set": profileToDocument(p)})
	if err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	if result.MatchedCount == 0 {
		return profile.ErrProfileNotFound
	}
	return nil
}

// UpdateCookies updates only the cookies for a profile.
func (r *MongoProfileRepository) UpdateCookies(ctx context.Context, id string, cookies []profile.Cookie) error {
	update := bson.M{"$set": bson.M{
		"cookies":    cookiesToDocuments(cookies),
		"updated_at": time.Now().UTC(),
	}}
	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("failed to update cookies: %w", err)
	}
	if result.MatchedCount == 0 {
		return profile.ErrProfileNotFound
	}

	r.logger.Info("Cookies updated", "id", id, "count", len(cookies))
	return nil
}

// Delete removes a profile by its identifier.
func (r *MongoProfileRepository) Delete(ctx context.Context, id string) error {
	result, err := r.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete profile: %w", err)
	}
	if result.DeletedCount == 0 {
		return profile.ErrProfileNotFound
	}

	r.logger.Info("Profile deleted", "id", id)
	return nil
}

func documentToProfile(doc *profileDocument) *profile.Profile {
	p := &profile.Profile{
		ID:          doc.ID,
		Name:        doc.Name,
		UserDataDir: doc.UserDataDir,
		Language:    doc.Language,
		UpdatedAt:   doc.UpdatedAt,
	}
	if len(doc.Cookies) > 0 {
		p.Cookies = make([]profile.Cookie, len(doc.Cookies))
		for i, c := range doc.Cookies {
			p.Cookies[i] = profile.Cookie{
				Name:         c.Name,
				Value:        c.Value,
				Domain:       c.Domain,
				Path:         c.Path,
				Expires:      c.Expires,
				HTTPOnly:     c.HTTPOnly,
				Secure:       c.Secure,
				SameSite:     c.SameSite,
				SourcePort:   c.SourcePort,
				SourceScheme: c.SourceScheme,
				Priority:     c.Priority,
			}
		}
	}
	return p
}

func profileToDocument(p *profile.Profile) *profileDocument {
	return &profileDocument{
		ID:          p.ID,
		Name:        p.Name,
		UserDataDir: p.UserDataDir,
		Language:    p.Language,
		Cookies:     cookiesToDocuments(p.Cookies),
		UpdatedAt:   p.UpdatedAt,
	}
}

func cookiesToDocuments(cookies []profile.Cookie) []cookieDocument {
	if len(cookies) == 0 {
		return nil
	}
	docs := make([]cookieDocument, len(cookies))
	for i, c := range cookies {
		docs[i] = cookieDocument{
			Name:         c.Name,
			Value:        c.Value,
			Domain:       c.Domain,
			Path:         c.Path,
			Expires:      c.Expires,
			HTTPOnly:     c.HTTPOnly,
			Secure:       c.Secure,
			SameSite:     c.SameSite,
			SourcePort:   c.SourcePort,
			SourceScheme: c.SourceScheme,
			Priority:     c.Priority,
		}
	}
	return docs
}

// Ensure MongoProfileRepository implements profile.Repository
var _ profile.Repository = (*MongoProfileRepository)(nil)
