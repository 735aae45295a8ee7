package secrets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSM struct {
	value *string
	err   error
	ids   []string
}

func (f *fakeSM) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.ids = append(f.ids, aws.ToString(in.SecretId))
	if f.err != nil {
		return nil, f.err
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: f.value}, nil
}

func TestAWSProvider_GetSecret(t *testing.T) {
	sm := &fakeSM{value: aws.String(`{"api_key":"abc"}`)}
	p := NewAWSProviderWithClient(sm)

	got, err := p.GetSecret(context.Background(), "dev/kesc/oneramp")
	require.NoError(t, err)
	assert.Equal(t, "abc", got["api_key"])
	assert.Equal(t, []string{"dev/kesc/oneramp"}, sm.ids)
}

func TestAWSProvider_Errors(t *testing.T) {
	_, err := NewAWSProviderWithClient(&fakeSM{err: errors.New("denied")}).GetSecret(context.Background(), "x")
	assert.ErrorContains(t, err, "denied")

	_, err = NewAWSProviderWithClient(&fakeSM{}).GetSecret(context.Background(), "x")
	assert.ErrorContains(t, err, "no string value")

	_, err = NewAWSProviderWithClient(&fakeSM{value: aws.String("not json")}).GetSecret(context.Background(), "x")
	assert.ErrorContains(t, err, "decode secret")
}

func TestCache_Expiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewCache[string](time.Minute)
	c.now = func() time.Time { return now }

	c.Put("k", "v")
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Zero(t, c.Len(), "expired entry is evicted on read")

	c.Put("a", "1")
	c.Put("b", "2")
	c.Bust("a")
	now = now.Add(2 * time.Minute)
	c.evictExpired()
	assert.Zero(t, c.Len())
}

func TestCache_CleanerStops(t *testing.T) {
	c := NewCache[int](time.Nanosecond)
	c.Put("k", 1)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		c.StartCleaner(time.Millisecond, stop)
		close(done)
	}()
	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, time.Millisecond)
	close(stop)
	<-done
}
