package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"lakehouse-rag/internal/domain"
)

const (
	skPrefixRun = "RUN#"
	ttlDuration = 30 * 24 * time.Hour // 30-day TTL
)

// dynamodbAPI is the minimal DynamoDB interface required by RunStore.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// RunStore records tracked invocations in a DynamoDB table, one item per run,
// partitioned by experiment.
type RunStore struct {
	api          dynamodbAPI
	tableName    string
	experimentID string
	now          func() time.Time
	newID        func() (uuid.UUID, error)
}

// NewRunStore creates a RunStore. An empty experimentID falls back to "default".
func NewRunStore(api dynamodbAPI, tableName, experimentID string) (*RunStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	if strings.TrimSpace(experimentID) == "" {
		experimentID = "default"
	}
	return &RunStore{
		api:          api,
		tableName:    tableName,
		experimentID: experimentID,
		now:          time.Now,
		newID:        uuid.NewV7,
	}, nil
}

// expPK returns the partition key for an experiment.
func expPK(experimentID string) string {
	return "EXP#" + experimentID
}

// runSK returns the sort key for a run. V7 ids sort by creation time.
func runSK(runID string) string {
	return skPrefixRun + runID
}

func (s *RunStore) key(runID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: expPK(s.experimentID)},
		"SK": &types.AttributeValueMemberS{Value: runSK(runID)},
	}
}

// StartRun writes a RUNNING item and returns its id.
func (s *RunStore) StartRun(ctx context.Context, runName string) (string, error) {
	id, err := s.newID()
	if err != nil {
		return "", fmt.Errorf("repository: StartRun id: %w", err)
	}
	now := s.now().UTC()
	run := domain.Run{
		ID:           id.String(),
		Name:         runName,
		ExperimentID: s.experimentID,
		Params:       map[string]string{},
		Status:       domain.RunRunning,
		StartTime:    now,
	}

	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                s.runItem(run, now.Add(ttlDuration).Unix()),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return "", fmt.Errorf("repository: StartRun: %w", err)
	}
	return run.ID, nil
}

// LogParams merges params into the run's params map.
func (s *RunStore) LogParams(ctx context.Context, runID string, params map[string]string) error {
	if len(params) == 0 {
		return nil
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	names := map[string]string{"#params": "params"}
	values := make(map[string]types.AttributeValue, len(keys))
	sets := make([]string, 0, len(keys))
	for i, k := range keys {
		name, value := fmt.Sprintf("#p%d", i), fmt.Sprintf(":p%d", i)
		names[name] = k
		values[value] = &types.AttributeValueMemberS{Value: params[k]}
		sets = append(sets, fmt.Sprintf("#params.%s = %s", name, value))
	}

	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       s.key(runID),
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ")),
		ConditionExpression:       aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return fmt.Errorf("repository: LogParams %s: %w", runID, err)
	}
	return nil
}

// EndRun sets the terminal status and end time.
func (s *RunStore) EndRun(ctx context.Context, runID string, status domain.RunStatus) error {
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 s.key(runID),
		UpdateExpression:    aws.String("SET #status = :status, endTime = :end"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: string(status)},
			":end":    &types.AttributeValueMemberS{Value: s.now().UTC().Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: EndRun %s: %w", runID, err)
	}
	return nil
}

// GetRun reads a single run. A missing run returns found=false.
func (s *RunStore) GetRun(ctx context.Context, runID string) (domain.Run, bool, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.key(runID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Run{}, false, fmt.Errorf("repository: GetRun get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Run{}, false, nil
	}
	run, err := itemToRun(out.Item)
	if err != nil {
		return domain.Run{}, false, fmt.Errorf("repository: GetRun unmarshal: %w", err)
	}
	return run, true, nil
}

// ListRuns returns up to limit runs of the experiment, newest first.
func (s *RunStore) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: expPK(s.experimentID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixRun},
		},
		ScanIndexForward: aws.Bool(false),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}

	out, err := s.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: ListRuns query: %w", err)
	}

	runs := make([]domain.Run, 0, len(out.Items))
	for _, item := range out.Items {
		run, err := itemToRun(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListRuns unmarshal: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (s *RunStore) runItem(run domain.Run, ttl int64) map[string]types.AttributeValue {
	params := make(map[string]types.AttributeValue, len(run.Params))
	for k, v := range run.Params {
		params[k] = &types.AttributeValueMemberS{Value: v}
	}
	item := s.key(run.ID)
	item["runId"] = &types.AttributeValueMemberS{Value: run.ID}
	item["name"] = &types.AttributeValueMemberS{Value: run.Name}
	item["experimentId"] = &types.AttributeValueMemberS{Value: run.ExperimentID}
	item["status"] = &types.AttributeValueMemberS{Value: string(run.Status)}
	item["startTime"] = &types.AttributeValueMemberS{Value: run.StartTime.Format(time.RFC3339Nano)}
	item["params"] = &types.AttributeValueMemberM{Value: params}
	item["ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(ttl, 10)}
	return item
}

// itemToRun converts a DynamoDB attribute map to a Run.
func itemToRun(item map[string]types.AttributeValue) (domain.Run, error) {
	id, err := strAttr(item, "runId")
	if err != nil {
		return domain.Run{}, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.Run{}, err
	}
	// name and experiment may be empty
	name, _ := strAttr(item, "name")
	experiment, _ := strAttr(item, "experimentId")

	start, err := timeAttr(item, "startTime")
	if err != nil {
		return domain.Run{}, err
	}
	var end time.Time
	if _, ok := item["endTime"]; ok {
		if end, err = timeAttr(item, "endTime"); err != nil {
			return domain.Run{}, err
		}
	}

	params := map[string]string{}
	if v, ok := item["params"]; ok {
		m, ok := v.(*types.AttributeValueMemberM)
		if !ok {
			return domain.Run{}, errors.New(`repository: attribute "params" is not a map`)
		}
		for k := range m.Value {
			if params[k], err = strAttr(m.Value, k); err != nil {
				return domain.Run{}, err
			}
		}
	}

	return domain.Run{
		ID:           id,
		Name:         name,
		ExperimentID: experiment,
		Params:       params,
		Status:       domain.RunStatus(status),
		StartTime:    start,
		EndTime:      end,
	}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	raw, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return ts, nil
}
