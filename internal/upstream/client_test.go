package upstream

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, KindAuth, classifyStatus(http.StatusUnauthorized))
	assert.Equal(t, KindAuth, classifyStatus(http.StatusForbidden))
	assert.Equal(t, KindServerError, classifyStatus(http.StatusServiceUnavailable))
	assert.Equal(t, KindValidation, classifyStatus(http.StatusBadRequest))
}

func TestClassifyBidFailure(t *testing.T) {
	assert.Equal(t, KindDuplicateAmount, classifyBidFailure(http.StatusBadRequest, "duplicate amount submitted"))
	assert.Equal(t, KindBidTooLow, classifyBidFailure(http.StatusBadRequest, "bid too low, minimum is 20"))
	assert.Equal(t, KindAuctionEnded, classifyBidFailure(http.StatusBadRequest, "auction has ended"))
	assert.Equal(t, KindServerError, classifyBidFailure(http.StatusBadGateway, ""))
}

func TestOutbidReflex(t *testing.T) {
	assert.True(t, outbidReflex("Another user has a Higher Maximum Bid on this item"))
	assert.False(t, outbidReflex("bid accepted"))
}

func TestRetryableKind(t *testing.T) {
	assert.True(t, retryableKind(KindConnectionError))
	assert.True(t, retryableKind(KindServerError))
	assert.False(t, retryableKind(KindValidation))
	assert.False(t, retryableKind(KindBreakerOpen))
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, 10*time.Second)
	assert.True(t, cb.Allow())

	cb.OnFailure()
	cb.OnFailure()
	assert.True(t, cb.Allow(), "should stay closed until threshold reached")

	cb.OnFailure()
	assert.False(t, cb.Allow(), "should open once threshold is reached")
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(2, 10*time.Second)
	cb.OnFailure()
	cb.OnSuccess()
	cb.OnFailure()
	assert.True(t, cb.Allow(), "a success should reset the failure count")
}

func TestNormalizeSnapshot_DerivesTimeRemaining(t *testing.T) {
	pr := productResponse{}
	pr.Product.CurrentPrice = 42
	pr.Product.CloseTime.Value = time.Now().Add(90 * time.Second).UnixMilli()

	snap := normalizeSnapshot(pr)
	assert.Equal(t, 42, snap.CurrentBid)
	assert.True(t, snap.TimeRemainingS > 0 && snap.TimeRemainingS <= 90)
	assert.False(t, snap.IsClosed)
}

func TestNormalizeSnapshot_PastCloseTimeIsClosed(t *testing.T) {
	pr := productResponse{}
	pr.Product.CloseTime.Value = time.Now().Add(-time.Second).UnixMilli()

	snap := normalizeSnapshot(pr)
	assert.True(t, snap.IsClosed)
	assert.Equal(t, 0, snap.TimeRemainingS)
}
