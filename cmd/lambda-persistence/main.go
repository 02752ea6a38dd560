package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/gatti/awsperf/internal/cache"
)

var (
	store     *cache.Dynamo
	tableName string
)

func init() {
	cfg, err := awsconfig.LoadDefaultConfig(context.TODO())
	if err != nil {
		panic(fmt.Sprintf("failed to load AWS config: %v", err))
	}

	tableName = os.Getenv("CACHE_TABLE")
	if tableName == "" {
		tableName = "awsperf-cache" // Default for LocalStack
	}

	store = cache.NewDynamo(dynamodb.NewFromConfig(cfg), tableName)

	fmt.Printf("[INIT] Persistence Lambda initialized - Table: %s\n", tableName)
}

// Handler replicates cache entries fanned out over SNS into the shared
// DynamoDB table, so fresh hosts start with a warm persistent tier.
func Handler(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	recordCount := len(sqsEvent.Records)
	fmt.Printf("[HANDLER] Processing %d SQS records\n", recordCount)

	var batchItemFailures []events.SQSBatchItemFailure
	successCount := 0

	for _, record := range sqsEvent.Records {
		// Parse SNS message from SQS record body
		var snsMessage struct {
			Message string `json:"Message"`
		}

		if err := json.Unmarshal([]byte(record.Body), &snsMessage); err != nil {
			fmt.Printf("[ERROR] Failed to parse SQS body: %v\n", err)
			batchItemFailures = append(batchItemFailures, events.SQSBatchItemFailure{
				ItemIdentifier: record.MessageId,
			})
			continue
		}

		var entry cache.Entry
		if err := json.Unmarshal([]byte(snsMessage.Message), &entry); err != nil {
			fmt.Printf("[ERROR] Failed to parse cache entry: %v\n", err)
			batchItemFailures = append(batchItemFailures, events.SQSBatchItemFailure{
				ItemIdentifier: record.MessageId,
			})
			continue
		}

		if entry.Key == "" {
			fmt.Printf("[ERROR] Dropping entry without a key (message %s)\n", record.MessageId)
			continue
		}
		if entry.Expired(time.Now()) {
			// Stale by the time it reached the queue; nothing to persist
			continue
		}

		if err := store.Set(ctx, &entry); err != nil {
			fmt.Printf("[ERROR] Failed to write to DynamoDB: %v - Key: %s\n", err, entry.Key)
			batchItemFailures = append(batchItemFailures, events.SQSBatchItemFailure{
				ItemIdentifier: record.MessageId,
			})
			continue
		}

		successCount++
	}

	fmt.Printf("[SUMMARY] Processed %d records - Success: %d, Failed: %d\n",
		recordCount, successCount, len(batchItemFailures))

	// Return partial batch failure response
	// SQS will retry only the failed messages
	return events.SQSEventResponse{
		BatchItemFailures: batchItemFailures,
	}, nil
}

func main() {
	lambda.Start(Handler)
}
