package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/smsrelay/internal/runtime/config"
)

var (
	AWSDefaultConfigLoader  = awsconfig.LoadDefaultConfig
	SNSTopicResolverFactory = sns.NewGenerateArnTopicResolver
	SNSPublisherFactory     = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return sns.NewPublisher(cfg, logger)
	}
	SNSSubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return sns.NewSubscriber(cfg, sqsCfg, logger)
	}
)

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12
	sqsQueueSuffix      = "smsrelay"
)

// awsTarget is the resolved account, region and optional custom endpoint.
type awsTarget struct {
	cfg       aws.Config
	accountID string
	region    string
	endpoint  *url.URL
}

func awsTransport(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	target, err := resolveAWSTarget(ctx, conf, logger)
	if err != nil {
		return Transport{}, err
	}

	topics, err := SNSTopicResolverFactory(target.accountID, target.region)
	if err != nil {
		return Transport{}, fmt.Errorf("create SNS topic resolver: %w", err)
	}

	publisher, err := SNSPublisherFactory(sns.PublisherConfig{
		TopicResolver: topics,
		AWSConfig:     target.cfg,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
		OptFns:        target.snsOptions(),
	}, logger)
	if err != nil {
		return Transport{}, err
	}

	subscriber, err := SNSSubscriberFactory(
		sns.SubscriberConfig{
			AWSConfig:            target.cfg,
			OptFns:               target.snsOptions(),
			TopicResolver:        topics,
			GenerateSqsQueueName: sqsQueueName,
		},
		sqs.SubscriberConfig{
			AWSConfig: target.cfg,
			OptFns:    target.sqsOptions(),
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return Transport{}, err
	}

	return Transport{Publisher: publisher, Subscriber: subscriber}, nil
}

func resolveAWSTarget(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (awsTarget, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region := conf.GetAWSRegion(); region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if id, secret := conf.GetAWSAccessKeyID(), conf.GetAWSSecretAccessKey(); id != "" && secret != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentials(id, secret)))
	}

	cfg, err := AWSDefaultConfigLoader(ctx, opts...)
	if err != nil {
		return awsTarget{}, fmt.Errorf("load AWS config: %w", err)
	}
	// loaders in tests may ignore the options
	if region := conf.GetAWSRegion(); region != "" {
		cfg.Region = region
	}

	target := awsTarget{cfg: cfg, region: cfg.Region}

	if raw := conf.GetAWSEndpoint(); raw != "" {
		endpoint, err := url.Parse(raw)
		if err != nil {
			return awsTarget{}, fmt.Errorf("parse AWS endpoint: %w", err)
		}
		target.endpoint = endpoint
	}

	target.accountID = strings.Trim(conf.GetAWSAccountID(), "\"' ")
	if target.endpoint != nil && len(target.accountID) != awsAccountIDLength {
		logger.Info("Using LocalStack account ID", watermill.LogFields{"configured": target.accountID})
		target.accountID = localstackAccountID
	}

	logger.Info("Resolved AWS target", watermill.LogFields{
		"region":          target.region,
		"account_id":      target.accountID,
		"custom_endpoint": target.endpoint != nil,
	})
	return target, nil
}

func (t awsTarget) snsOptions() []func(*amazonsns.Options) {
	if t.endpoint == nil {
		return nil
	}
	return []func(*amazonsns.Options){
		amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *t.endpoint},
		}),
	}
}

func (t awsTarget) sqsOptions() []func(*amazonsqs.Options) {
	if t.endpoint == nil {
		return nil
	}
	return []func(*amazonsqs.Options){
		amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *t.endpoint},
		}),
	}
}

// sqsQueueName derives "<topic>-smsrelay" from the topic ARN.
func sqsQueueName(_ context.Context, topicArn sns.TopicArn) (string, error) {
	topic, err := sns.ExtractTopicNameFromTopicArn(topicArn)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s", topic, sqsQueueSuffix), nil
}

func staticCredentials(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
		}, nil
	})
}
