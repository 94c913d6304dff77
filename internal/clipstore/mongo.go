package clipstore

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/you/cliprater/internal/core"
)

const (
	DefaultMongoDatabase   = "cliprater"
	DefaultMongoCollection = "clips"
)

// MongoOptions configures Connect.
type MongoOptions struct {
	URI        string
	Database   string
	Collection string
	Timeout    time.Duration // per-operation timeout applied by the driver
}

// MongoStore keeps one document per clip with ratings embedded.
type MongoStore struct {
	client *mongo.Client
	clips  *mongo.Collection
	now    func() time.Time
}

type clipDoc struct {
	ID            primitive.ObjectID `bson:"_id,omitempty"`
	URL           string             `bson:"url"`
	Description   string             `bson:"description"`
	SubmittedBy   string             `bson:"submittedBy"`
	SubmittedAt   time.Time          `bson:"submittedAt"`
	InteractionID string             `bson:"interactionId"`
	MessageID     string             `bson:"messageId"`
	Ratings       []core.Rating      `bson:"ratings"`
}

type ratedClipDoc struct {
	Doc       clipDoc `bson:",inline"`
	AvgRating float64 `bson:"avgRating"`
}

func (d clipDoc) toClip() core.Clip {
	return core.Clip{
		ID:            d.ID.Hex(),
		URL:           d.URL,
		Description:   d.Description,
		SubmittedBy:   d.SubmittedBy,
		SubmittedAt:   d.SubmittedAt,
		InteractionID: d.InteractionID,
		MessageID:     d.MessageID,
		Ratings:       emptyIfNil(d.Ratings),
	}
}

// Connect dials the deployment and verifies it answers a ping. A failure here
// is fatal to startup.
func Connect(ctx context.Context, opts MongoOptions) (*MongoStore, error) {
	if opts.URI == "" {
		return nil, errors.New("mongo: empty uri")
	}
	if opts.Database == "" {
		opts.Database = DefaultMongoDatabase
	}
	if opts.Collection == "" {
		opts.Collection = DefaultMongoCollection
	}

	clientOpts := options.Client().ApplyURI(opts.URI)
	if opts.Timeout > 0 {
		clientOpts.SetTimeout(opts.Timeout)
	}
	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, errors.Wrap(err, "mongo connect")
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "mongo ping")
	}
	return NewMongoStore(client, opts.Database, opts.Collection), nil
}

// NewMongoStore wraps an already connected client.
func NewMongoStore(client *mongo.Client, database, collection string) *MongoStore {
	return &MongoStore{
		client: client,
		clips:  client.Database(database).Collection(collection),
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
}

func (s *MongoStore) Close(ctx context.Context) error {
	return errors.Wrap(s.client.Disconnect(ctx), "mongo disconnect")
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return errors.Wrap(s.client.Ping(ctx, readpref.Primary()), "mongo ping")
}

func (s *MongoStore) String() string {
	return fmt.Sprintf("MongoStore{%s.%s}", s.clips.Database().Name(), s.clips.Name())
}

// EnsureIndexes creates the unique interactionId and messageId indexes.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "interactionId", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("interactionId_1"),
		},
		{
			Keys:    bson.D{{Key: "messageId", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("messageId_1"),
		},
	}
	if _, err := s.clips.Indexes().CreateMany(ctx, models); err != nil {
		return storageErr(OpEnsureIndexes, "", errors.Wrap(err, "create indexes"))
	}
	return nil
}

// Migrate backfills interactionId and messageId from the stringified _id on
// records that predate those fields. Records that already have them are not
// matched, so reruns modify nothing.
func (s *MongoStore) Migrate(ctx context.Context) (MigrationResult, error) {
	filter := bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "interactionId", Value: bson.D{{Key: "$exists", Value: false}}}},
		bson.D{{Key: "messageId", Value: bson.D{{Key: "$exists", Value: false}}}},
	}}}
	idString := bson.D{{Key: "$toString", Value: "$_id"}}
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "interactionId", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$interactionId", idString}}}},
			{Key: "messageId", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$messageId", idString}}}},
		}}},
	}
	res, err := s.clips.UpdateMany(ctx, filter, update)
	if err != nil {
		return MigrationResult{}, storageErr(OpMigrate, "", errors.Wrap(err, "backfill ids"))
	}
	return MigrationResult{Matched: res.MatchedCount, Modified: res.ModifiedCount}, nil
}

func (s *MongoStore) CreateClip(ctx context.Context, in NewClip) (core.Clip, error) {
	if err := ValidateNewClip(in); err != nil {
		return core.Clip{}, opErr(OpCreateClip, in.MessageID, ErrValidation, err)
	}
	doc := clipDoc{
		URL:           in.URL,
		Description:   in.Description,
		SubmittedBy:   in.SubmittedBy,
		SubmittedAt:   s.now(),
		InteractionID: in.InteractionID,
		MessageID:     in.MessageID,
		Ratings:       []core.Rating{},
	}
	res, err := s.clips.InsertOne(ctx, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return core.Clip{}, opErr(OpCreateClip, in.MessageID, ErrDuplicateKey, err)
		}
		return core.Clip{}, storageErr(OpCreateClip, in.MessageID, errors.Wrap(err, "insert clip"))
	}
	if id, ok := res.InsertedID.(primitive.ObjectID); ok {
		doc.ID = id
	}
	return doc.toClip(), nil
}

func (s *MongoStore) GetClip(ctx context.Context, id string) (core.Clip, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return core.Clip{}, notFound(OpGetClip, id, "clip not found")
	}
	return s.findOne(ctx, OpGetClip, id, bson.D{{Key: "_id", Value: oid}})
}

func (s *MongoStore) GetClipByMessageID(ctx context.Context, messageID string) (core.Clip, error) {
	return s.findOne(ctx, OpGetClipByMessageID, messageID, bson.D{{Key: "messageId", Value: messageID}})
}

func (s *MongoStore) GetClipByInteractionID(ctx context.Context, interactionID string) (core.Clip, error) {
	return s.findOne(ctx, OpGetClipByInteractionID, interactionID, bson.D{{Key: "interactionId", Value: interactionID}})
}

func (s *MongoStore) ListClips(ctx context.Context) ([]core.Clip, error) {
	return s.find(ctx, OpListClips, "", bson.D{})
}

func (s *MongoStore) ListClipsByUser(ctx context.Context, submittedBy string) ([]core.Clip, error) {
	return s.find(ctx, OpListClipsByUser, submittedBy, bson.D{{Key: "submittedBy", Value: submittedBy}})
}

// UpsertRating replaces ratedBy's entry in place or appends a new one, in a
// single pipeline update so no other writer can interleave.
func (s *MongoStore) UpsertRating(ctx context.Context, messageID string, rating int, ratedBy string) (core.Clip, error) {
	if err := validateRatingInput(messageID, rating, ratedBy); err != nil {
		return core.Clip{}, opErr(OpUpsertRating, messageID, ErrValidation, err)
	}
	update := upsertRatingPipeline(rating, ratedBy, s.now())
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc clipDoc
	err := s.clips.FindOneAndUpdate(ctx, bson.D{{Key: "messageId", Value: messageID}}, update, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return core.Clip{}, notFound(OpUpsertRating, messageID, "clip not found")
		}
		return core.Clip{}, storageErr(OpUpsertRating, messageID, errors.Wrap(err, "update rating"))
	}
	return doc.toClip(), nil
}

func upsertRatingPipeline(rating int, ratedBy string, now time.Time) mongo.Pipeline {
	// ratedBy is user input; $literal keeps a leading "$" from being read as a field path.
	user := bson.D{{Key: "$literal", Value: ratedBy}}
	existing := bson.D{{Key: "$ifNull", Value: bson.A{"$ratings", bson.A{}}}}
	raters := bson.D{{Key: "$map", Value: bson.D{
		{Key: "input", Value: existing},
		{Key: "as", Value: "r"},
		{Key: "in", Value: "$$r.ratedBy"},
	}}}
	replaced := bson.D{{Key: "$map", Value: bson.D{
		{Key: "input", Value: existing},
		{Key: "as", Value: "r"},
		{Key: "in", Value: bson.D{{Key: "$cond", Value: bson.A{
			bson.D{{Key: "$eq", Value: bson.A{"$$r.ratedBy", user}}},
			bson.D{{Key: "$mergeObjects", Value: bson.A{
				"$$r",
				bson.D{{Key: "rating", Value: rating}, {Key: "ratedAt", Value: now}},
			}}},
			"$$r",
		}}}},
	}}}
	entry := bson.D{
		{Key: "rating", Value: rating},
		{Key: "ratedBy", Value: user},
		{Key: "ratedAt", Value: now},
	}
	appended := bson.D{{Key: "$concatArrays", Value: bson.A{existing, bson.A{entry}}}}

	return mongo.Pipeline{
		{{Key: "$set", Value: bson.D{{Key: "ratings", Value: bson.D{{Key: "$cond", Value: bson.D{
			{Key: "if", Value: bson.D{{Key: "$in", Value: bson.A{user, raters}}}},
			{Key: "then", Value: replaced},
			{Key: "else", Value: appended},
		}}}}}}},
	}
}

func (s *MongoStore) RemoveRating(ctx context.Context, messageID, ratedBy string) (core.Clip, error) {
	filter := bson.D{
		{Key: "messageId", Value: messageID},
		{Key: "ratings.ratedBy", Value: ratedBy},
	}
	update := bson.D{{Key: "$pull", Value: bson.D{
		{Key: "ratings", Value: bson.D{{Key: "ratedBy", Value: ratedBy}}},
	}}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc clipDoc
	err := s.clips.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err == nil {
		return doc.toClip(), nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return core.Clip{}, storageErr(OpRemoveRating, messageID, errors.Wrap(err, "pull rating"))
	}

	n, countErr := s.clips.CountDocuments(ctx, bson.D{{Key: "messageId", Value: messageID}}, options.Count().SetLimit(1))
	if countErr != nil {
		return core.Clip{}, storageErr(OpRemoveRating, messageID, errors.Wrap(countErr, "count clip"))
	}
	if n == 0 {
		return core.Clip{}, notFound(OpRemoveRating, messageID, "clip not found")
	}
	return core.Clip{}, notFound(OpRemoveRating, messageID, "user %s has not rated this clip", ratedBy)
}

func (s *MongoStore) RemoveClip(ctx context.Context, messageID string) (core.Clip, error) {
	var doc clipDoc
	err := s.clips.FindOneAndDelete(ctx, bson.D{{Key: "messageId", Value: messageID}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return core.Clip{}, notFound(OpRemoveClip, messageID, "clip not found")
		}
		return core.Clip{}, storageErr(OpRemoveClip, messageID, errors.Wrap(err, "delete clip"))
	}
	return doc.toClip(), nil
}

// GetAverageRating returns 0 for an unrated or absent clip.
func (s *MongoStore) GetAverageRating(ctx context.Context, messageID string) (float64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "messageId", Value: messageID}}}},
		{{Key: "$project", Value: bson.D{{Key: "avgRating", Value: averageExpr()}}}},
	}
	cur, err := s.clips.Aggregate(ctx, pipeline)
	if err != nil {
		return 0, storageErr(OpGetAverageRating, messageID, errors.Wrap(err, "aggregate average"))
	}
	var rows []struct {
		AvgRating float64 `bson:"avgRating"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return 0, storageErr(OpGetAverageRating, messageID, errors.Wrap(err, "decode average"))
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].AvgRating, nil
}

// GetRatingsForClip returns an empty slice for an absent clip.
func (s *MongoStore) GetRatingsForClip(ctx context.Context, messageID string) ([]core.Rating, error) {
	opts := options.FindOne().SetProjection(bson.D{{Key: "ratings", Value: 1}})
	var doc clipDoc
	err := s.clips.FindOne(ctx, bson.D{{Key: "messageId", Value: messageID}}, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return []core.Rating{}, nil
		}
		return nil, storageErr(OpGetRatingsForClip, messageID, errors.Wrap(err, "find ratings"))
	}
	return emptyIfNil(doc.Ratings), nil
}

// ListClipsSortedByAverageRating keeps unrated clips, ranking them with an
// average of 0. Ties fall back to submission order.
func (s *MongoStore) ListClipsSortedByAverageRating(ctx context.Context) ([]core.RatedClip, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$addFields", Value: bson.D{{Key: "avgRating", Value: averageExpr()}}}},
		{{Key: "$sort", Value: bson.D{
			{Key: "avgRating", Value: -1},
			{Key: "submittedAt", Value: 1},
			{Key: "_id", Value: 1},
		}}},
	}
	cur, err := s.clips.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, storageErr(OpListSortedByAverage, "", errors.Wrap(err, "aggregate averages"))
	}
	var docs []ratedClipDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, storageErr(OpListSortedByAverage, "", errors.Wrap(err, "decode averages"))
	}
	out := make([]core.RatedClip, 0, len(docs))
	for _, d := range docs {
		out = append(out, core.RatedClip{Clip: d.Doc.toClip(), AvgRating: d.AvgRating})
	}
	return out, nil
}

func averageExpr() bson.D {
	return bson.D{{Key: "$ifNull", Value: bson.A{
		bson.D{{Key: "$avg", Value: "$ratings.rating"}},
		0,
	}}}
}

func (s *MongoStore) findOne(ctx context.Context, op, key string, filter bson.D) (core.Clip, error) {
	var doc clipDoc
	if err := s.clips.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return core.Clip{}, notFound(op, key, "clip not found")
		}
		return core.Clip{}, storageErr(op, key, errors.Wrap(err, "find clip"))
	}
	return doc.toClip(), nil
}

func (s *MongoStore) find(ctx context.Context, op, key string, filter bson.D) ([]core.Clip, error) {
	opts := options.Find().SetSort(bson.D{{Key: "submittedAt", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.clips.Find(ctx, filter, opts)
	if err != nil {
		return nil, storageErr(op, key, errors.Wrap(err, "find clips"))
	}
	var docs []clipDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, storageErr(op, key, errors.Wrap(err, "decode clips"))
	}
	out := make([]core.Clip, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toClip())
	}
	return out, nil
}
