package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/ignite/broadcast-engine/internal/pkg/logger"
)

// SESMailer sends emails via AWS SES using the SDK v2.
type SESMailer struct {
	region string
	client *sesv2.Client
	log    *logger.Logger
}

// NewSESMailer creates an SES mailer. Initializes the AWS SDK client if
// credentials are provided; Send fails cleanly otherwise.
func NewSESMailer(accessKey, secretKey, region string) *SESMailer {
	if region == "" {
		region = "us-east-1"
	}

	m := &SESMailer{
		region: region,
		log:    logger.Component("ses"),
	}

	if accessKey != "" && secretKey != "" {
		cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		)
		if err != nil {
			m.log.Warn("AWS config initialization failed", "error", err)
		} else {
			m.client = sesv2.NewFromConfig(cfg)
		}
	}

	return m
}

// Send delivers a single email through AWS SES. An SES API error is reported
// as a failed SendResult, not a Go error, so callers treat it as a retryable
// attempt outcome.
func (m *SESMailer) Send(ctx context.Context, msg *EmailMessage) (*SendResult, error) {
	if m.client == nil {
		return nil, fmt.Errorf("SES client not initialized - check credentials")
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", msg.FromName, msg.FromEmail)),
		Destination:      &types.Destination{ToAddresses: []string{msg.Email}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.Body), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("content_id"), Value: aws.String(msg.ContentID.String())},
			{Name: aws.String("subscriber_id"), Value: aws.String(msg.SubscriberID.String())},
		},
	}

	result, err := m.client.SendEmail(ctx, input)
	if err != nil {
		m.log.Warn("send failed", "email", msg.Email, "error", err)
		return &SendResult{Success: false, Error: err}, nil
	}

	messageID := ""
	if result.MessageId != nil {
		messageID = *result.MessageId
	}

	m.log.Debug("sent", "email", msg.Email, "message_id", messageID)

	return &SendResult{
		Success:   true,
		MessageID: messageID,
		SentAt:    time.Now(),
	}, nil
}
