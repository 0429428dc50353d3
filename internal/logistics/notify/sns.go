package notify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sns"
)

// SNSConfig holds Amazon SNS settings.
type SNSConfig struct {
	Region    string
	AccessKey string
	SecretKey string
	SenderID  string
}

// SNSSender sends transactional SMS through Amazon SNS.
type SNSSender struct {
	client   *sns.SNS
	senderID string
}

// NewSNSSender creates an SNS client. Static credentials are used when both keys are set,
// otherwise the default provider chain applies.
func NewSNSSender(cfg SNSConfig) (*SNSSender, error) {
	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("aws session: %w", err)
	}
	return &SNSSender{client: sns.New(sess), senderID: cfg.SenderID}, nil
}

// SendSMS implements SMSSender.
func (s *SNSSender) SendSMS(ctx context.Context, phone, text string) error {
	attrs := map[string]*sns.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {DataType: aws.String("String"), StringValue: aws.String("Transactional")},
	}
	if s.senderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = &sns.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(s.senderID)}
	}
	_, err := s.client.PublishWithContext(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(phone),
		Message:           aws.String(text),
		MessageAttributes: attrs,
	})
	return err
}
