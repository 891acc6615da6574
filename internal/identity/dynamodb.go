package identity

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
)

// GetItemAPI is the slice of the DynamoDB client used here.
type GetItemAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// DynamoOptions names the table and the attributes holding the face id and the person's name.
type DynamoOptions struct {
	TableName     string
	KeyAttribute  string
	NameAttribute string
}

// DynamoResolver reads identities from a DynamoDB table keyed by face id.
type DynamoResolver struct {
	api    GetItemAPI
	opts   DynamoOptions
	logger *zap.Logger
}

var _ Resolver = (*DynamoResolver)(nil)

func NewDynamoResolver(api GetItemAPI, opts DynamoOptions, logger *zap.Logger) *DynamoResolver {
	return &DynamoResolver{api: api, opts: opts, logger: logger.Named("identity")}
}

func (r *DynamoResolver) Resolve(ctx context.Context, faceID string) (*Record, error) {
	out, err := r.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.opts.TableName),
		Key: map[string]types.AttributeValue{
			r.opts.KeyAttribute: &types.AttributeValueMemberS{Value: faceID},
		},
		ProjectionExpression:     aws.String("#k, #n"),
		ExpressionAttributeNames: map[string]string{"#k": r.opts.KeyAttribute, "#n": r.opts.NameAttribute},
	})
	if err != nil {
		r.logger.Error("identity lookup failed", zap.Error(err), zap.String("face_id", faceID), zap.String("table", r.opts.TableName))
		return nil, &LookupServiceError{FaceID: faceID, Err: err}
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}

	nameAttr, ok := out.Item[r.opts.NameAttribute]
	if !ok {
		r.logger.Warn("identity item has no name attribute", zap.String("face_id", faceID), zap.String("attribute", r.opts.NameAttribute))
		return nil, nil
	}
	var fullName string
	if err := attributevalue.Unmarshal(nameAttr, &fullName); err != nil {
		return nil, &LookupServiceError{FaceID: faceID, Err: fmt.Errorf("decode %s: %w", r.opts.NameAttribute, err)}
	}
	if fullName == "" {
		return nil, nil
	}
	return &Record{FaceID: faceID, FullName: fullName}, nil
}
