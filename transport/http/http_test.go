package http

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	watermillhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/transit/transport"
	"github.com/drblury/transit/transport/transporttest"
)

func stubFactories(t *testing.T) (*[]string, *transporttest.Subscriber, *atomic.Int32) {
	t.Helper()
	origPub, origSub, origStart := PublisherFactory, SubscriberFactory, ServerStarter
	t.Cleanup(func() { PublisherFactory, SubscriberFactory, ServerStarter = origPub, origSub, origStart })

	urls := &[]string{}
	PublisherFactory = func(config watermillhttp.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return &requestRecorder{marshal: config.MarshalMessageFunc, urls: urls}, nil
	}
	sub := &transporttest.Subscriber{}
	SubscriberFactory = func(addr string, config watermillhttp.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		assert.Equal(t, ":9090", addr)
		return sub, nil
	}
	starts := &atomic.Int32{}
	ServerStarter = func(message.Subscriber) error {
		starts.Add(1)
		return nil
	}
	return urls, sub, starts
}

type requestRecorder struct {
	marshal watermillhttp.MarshalMessageFunc
	urls    *[]string
}

func (r *requestRecorder) Publish(topic string, messages ...*message.Message) error {
	for _, msg := range messages {
		req, err := r.marshal(topic, msg)
		if err != nil {
			return err
		}
		body, _ := io.ReadAll(req.Body)
		*r.urls = append(*r.urls, req.Method+" "+req.URL.String()+" "+string(body))
	}
	return nil
}

func (r *requestRecorder) Close() error { return nil }

func TestRegister(t *testing.T) {
	reg := transport.NewRegistry()
	Register(reg)
	assert.Equal(t, Schemes, reg.Schemes())
	assert.Equal(t, transport.HTTPCapabilities, Capabilities())
}

func TestSendPostsToRemoteAuthority(t *testing.T) {
	urls, _, _ := stubFactories(t)

	host, err := Build(context.Background(), transport.Settings{Address: "http://billing:8080", ListenAddress: ":9090"}, watermill.NopLogger{})
	require.NoError(t, err)
	defer host.Close()

	err = host.Send(context.Background(), transport.MustParseAddress("http://billing:8080/invoices"), &transport.Message{MessageID: "1", Body: []byte("{}")})
	require.NoError(t, err)
	assert.Equal(t, []string{"POST http://billing:8080/invoices {}"}, *urls)
}

func TestListenBeforeStartOnly(t *testing.T) {
	_, sub, starts := stubFactories(t)

	built, err := Build(context.Background(), transport.Settings{Address: "webhook://hooks.example.com", ListenAddress: ":9090"}, watermill.NopLogger{})
	require.NoError(t, err)
	host := built.(*Host)
	defer host.Close()

	ep := transport.Endpoint{Address: transport.MustParseAddress("webhook://hooks.example.com/callbacks")}
	noop := func(context.Context, *transport.Message) error { return nil }
	require.NoError(t, host.Listen(context.Background(), ep, noop))
	assert.Equal(t, []string{"/callbacks"}, sub.SubscribedTopics())

	require.NoError(t, host.Start(context.Background()))
	require.NoError(t, host.Start(context.Background()))
	assert.Eventually(t, func() bool { return starts.Load() == 1 }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, host.Listen(context.Background(), ep, noop), transport.ErrListenAfterStart)
}

func TestBuildErrors(t *testing.T) {
	stubFactories(t)
	_, err := Build(context.Background(), transport.Settings{Address: "http:///x"}, watermill.NopLogger{})
	assert.Error(t, err)

	SubscriberFactory = func(addr string, config watermillhttp.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return nil, errors.New("port in use")
	}
	_, err = Build(context.Background(), transport.Settings{Address: "http://x"}, watermill.NopLogger{})
	assert.EqualError(t, err, "port in use")
}

func TestBaseURL(t *testing.T) {
	u, err := baseURL(transport.Settings{URL: "https://api.example.com/"})
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", u)

	u, err = baseURL(transport.Settings{Address: "webhook://hooks", TLS: true})
	require.NoError(t, err)
	assert.Equal(t, "https://hooks", u)
}
