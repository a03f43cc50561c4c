// Package mirror propagates online/offline transitions to an external user
// record store. The mirror is fire-and-forget: it never blocks a presence
// operation and every failure is logged and swallowed.
package mirror

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/voiceping/router/pkg/logger"
)

type Config struct {
	Table     string
	Region    string
	AccessKey string
	SecretKey string
}

type statusRecord struct {
	UserID    string `dynamodbav:"UserId"`
	Status    string `dynamodbav:"Status"`
	LastSeen  int64  `dynamodbav:"LastSeen"`
	UpdatedAt int64  `dynamodbav:"UpdatedAt"`
}

// DynamoMirror writes status transitions to a DynamoDB table keyed by
// UserId. Writes go through a bounded queue drained by one worker; when the
// queue is full the transition is dropped, not waited on.
type DynamoMirror struct {
	client *dynamodb.Client
	table  string
	queue  chan statusRecord
	done   chan struct{}
	log    *logger.Logger
}

func New(ctx context.Context, cfg Config, log *logger.Logger) (*DynamoMirror, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	m := &DynamoMirror{
		client: dynamodb.NewFromConfig(awsCfg),
		table:  cfg.Table,
		queue:  make(chan statusRecord, 1024),
		done:   make(chan struct{}),
		log:    log,
	}
	go m.worker()
	return m, nil
}

// MirrorStatus enqueues one transition. Never blocks.
func (m *DynamoMirror) MirrorStatus(userID, status string, lastSeen int64) {
	record := statusRecord{
		UserID:    userID,
		Status:    status,
		LastSeen:  lastSeen,
		UpdatedAt: time.Now().UnixMilli(),
	}
	select {
	case m.queue <- record:
	default:
		m.log.Warnf("status mirror queue full, dropping transition for %s", userID)
	}
}

func (m *DynamoMirror) worker() {
	for {
		select {
		case record := <-m.queue:
			m.put(record)
		case <-m.done:
			return
		}
	}
}

func (m *DynamoMirror) put(record statusRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		m.log.Warnf("status mirror marshal failed for %s: %v", record.UserID, err)
		return
	}
	_, err = m.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(m.table),
		Item:      item,
	})
	if err != nil {
		m.log.Warnf("status mirror write failed for %s: %v", record.UserID, err)
	}
}

func (m *DynamoMirror) Close() {
	close(m.done)
}
