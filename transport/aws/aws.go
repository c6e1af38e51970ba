// Package aws provides an SQS/SNS transport. Sends go to SQS queues named after
// the destination path; published types go to SNS topics with an SQS queue
// subscribed per subscription.
package aws

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

	"github.com/drblury/transit/transport"
)

// Schemes handled by this transport.
var Schemes = []string{"sqs", "sns", "cloudqueue", "cloudtopic"}

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12
)

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// TopicResolverFactory allows overriding the topic resolver creation for testing.
var TopicResolverFactory = sns.NewGenerateArnTopicResolver

// PublisherFactory allows overriding the SNS publisher creation for testing.
var PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sns.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the SNS subscriber creation for testing.
var SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sns.NewSubscriber(cfg, sqsCfg, logger)
}

// QueuePublisherFactory allows overriding the SQS publisher creation for testing.
var QueuePublisherFactory = func(cfg sqs.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sqs.NewPublisher(cfg, logger)
}

// QueueSubscriberFactory allows overriding the SQS subscriber creation for testing.
var QueueSubscriberFactory = func(cfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sqs.NewSubscriber(cfg, logger)
}

func init() {
	Register(transport.DefaultRegistry)
}

// Register adds the SQS/SNS schemes to r.
func Register(r *transport.Registry) {
	for _, scheme := range Schemes {
		r.RegisterWithCapabilities(scheme, Build, transport.AWSCapabilities)
	}
}

// Build creates a new SQS/SNS host.
func Build(ctx context.Context, settings transport.Settings, logger watermill.LoggerAdapter) (transport.Host, error) {
	settings.AWS.Region = resolveRegion(settings)
	if settings.Topology.Separator == "" {
		settings.Topology.Separator = "-"
	}

	awsCfg, err := createAWSConfig(ctx, settings, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Created AWS config", watermill.LogFields{
		"region":          awsCfg.Region,
		"custom_endpoint": settings.AWS.Endpoint != "",
	})

	endpoint, err := awsEndpointURL(settings)
	if err != nil {
		return nil, err
	}
	snsOpts, sqsOpts := endpointOptions(endpoint)

	accountID, region := resolveAccountAndRegion(settings, logger, awsCfg.Region)
	topicResolver, err := TopicResolverFactory(accountID, region)
	if err != nil {
		logger.Error("Failed to create SNS topic resolver", err, watermill.LogFields{
			"accountID": accountID,
			"region":    region,
		})
		return nil, err
	}

	topicPub, err := PublisherFactory(sns.PublisherConfig{
		TopicResolver: topicResolver,
		AWSConfig:     *awsCfg,
		OptFns:        snsOpts,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}, logger)
	if err != nil {
		return nil, err
	}

	queuePub, err := QueuePublisherFactory(sqs.PublisherConfig{
		AWSConfig: *awsCfg,
		OptFns:    sqsOpts,
	}, logger)
	if err != nil {
		_ = topicPub.Close()
		return nil, err
	}

	sqsSubCfg := sqs.SubscriberConfig{AWSConfig: *awsCfg, OptFns: sqsOpts}
	queueSub, err := QueueSubscriberFactory(sqsSubCfg, logger)
	if err != nil {
		_ = topicPub.Close()
		_ = queuePub.Close()
		return nil, err
	}

	newTopicSubscriber := func(subscription string) (message.Subscriber, error) {
		return SubscriberFactory(sns.SubscriberConfig{
			AWSConfig:            *awsCfg,
			OptFns:               snsOpts,
			TopicResolver:        topicResolver,
			GenerateSqsQueueName: sqsQueueNameGenerator(settings.Topology, subscription),
		}, sqsSubCfg, logger)
	}
	topicSub, err := newTopicSubscriber(settings.ConsumerGroup)
	if err != nil {
		_ = topicPub.Close()
		_ = queuePub.Close()
		_ = queueSub.Close()
		return nil, err
	}

	return transport.NewPubSubHost(transport.PubSubHostConfig{
		Settings:     settings,
		Capabilities: transport.AWSCapabilities,
		Queues:       transport.Transport{Publisher: queuePub, Subscriber: queueSub},
		Topics:       transport.Transport{Publisher: topicPub, Subscriber: topicSub},
		SubscriberFor: func(ep transport.Endpoint) (message.Subscriber, error) {
			return newTopicSubscriber(ep.Subscription)
		},
		Logger: logger,
	})
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

// resolveRegion prefers the explicit region and falls back to the address
// authority (sqs://eu-west-1/orders).
func resolveRegion(settings transport.Settings) string {
	if settings.AWS.Region != "" {
		return settings.AWS.Region
	}
	address, err := settings.ParsedAddress()
	if err != nil {
		return ""
	}
	return address.Authority
}

func createAWSConfig(ctx context.Context, settings transport.Settings, logger watermill.LoggerAdapter) (*aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error

	region := settings.AWS.Region
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if settings.AWS.AccessKeyID != "" && settings.AWS.SecretAccessKey != "" {
		logger.Info("Using static AWS credentials from settings", watermill.LogFields{})
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentialsProvider(settings.AWS.AccessKeyID, settings.AWS.SecretAccessKey)))
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		logger.Error("Failed to load AWS default config", err, watermill.LogFields{"requested_region": region})
		return nil, err
	}
	if region != "" {
		awsCfg.Region = region
	}
	return &awsCfg, nil
}

func endpointOptions(endpoint *url.URL) ([]func(*amazonsns.Options), []func(*amazonsqs.Options)) {
	if endpoint == nil {
		return nil, nil
	}
	snsOpts := []func(*amazonsns.Options){
		amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *endpoint},
		}),
	}
	sqsOpts := []func(*amazonsqs.Options){
		amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *endpoint},
		}),
	}
	return snsOpts, sqsOpts
}

func sqsQueueNameGenerator(topology transport.Topology, subscription string) func(context.Context, sns.TopicArn) (string, error) {
	return func(ctx context.Context, snsTopic sns.TopicArn) (string, error) {
		topic, err := sns.ExtractTopicNameFromTopicArn(snsTopic)
		if err != nil {
			return "", err
		}
		if subscription == "" {
			return string(topic), nil
		}
		return string(topic) + "-" + topology.Prefix + subscription, nil
	}
}

func resolveAccountAndRegion(settings transport.Settings, logger watermill.LoggerAdapter, fallbackRegion string) (string, string) {
	accountID := strings.Trim(settings.AWS.AccountID, "\"' ")
	region := settings.AWS.Region
	if region == "" {
		region = fallbackRegion
	}

	if accountID == "" && settings.AWS.Endpoint != "" {
		logger.Info("AWS account ID empty; using LocalStack default", watermill.LogFields{"accountID": localstackAccountID})
		return localstackAccountID, region
	}
	if accountID != "" && len(accountID) != awsAccountIDLength && settings.AWS.Endpoint != "" {
		logger.Info("Invalid AWS account ID; falling back to LocalStack default", watermill.LogFields{"accountID": accountID})
		accountID = localstackAccountID
	}
	return accountID, region
}

func awsEndpointURL(settings transport.Settings) (*url.URL, error) {
	if settings.AWS.Endpoint == "" {
		return nil, nil
	}
	parsedURL, err := url.Parse(settings.AWS.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("aws: parse endpoint: %w", err)
	}
	return parsedURL, nil
}

func staticCredentialsProvider(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
		}, nil
	})
}
