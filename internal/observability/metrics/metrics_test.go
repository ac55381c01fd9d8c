package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"OpenBazaar-Chain/internal/market"
)

func scrape(t *testing.T) string {
	t.Helper()
	recorder := httptest.NewRecorder()
	Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))
	if recorder.Code != 200 {
		t.Fatalf("抓取指标失败: %d", recorder.Code)
	}
	return recorder.Body.String()
}

func TestHandlerExposesAllRegisteredCollectors(t *testing.T) {
	ObserveHTTPRequest("session_trigger", "POST", 202, 12*time.Millisecond)
	MarketSink{}.Emit(market.Event{Kind: "state_change", State: "BIDDING"})
	MarketSink{}.Emit(market.Event{Kind: "poll_timeout"})

	body := scrape(t)
	for _, family := range []string{
		`bazaar_http_requests_total{handler="session_trigger",method="POST",code="202"}`,
		`bazaar_session_transitions_total{state="BIDDING"}`,
		`bazaar_poll_events_total{kind="poll_timeout"}`,
	} {
		if !strings.Contains(body, family) {
			t.Fatalf("指标输出缺少 %s:\n%s", family, body)
		}
	}
}

func TestHistogramCountsAboveLastBound(t *testing.T) {
	h := newHistogram()
	h.observe(0.01)
	h.observe(30)

	if h.count != 2 {
		t.Fatalf("总计数不符: %d", h.count)
	}
	// 超出最大桶上界的观测只体现在 +Inf（即 count）里。
	if last := h.counts[len(h.counts)-1]; last != 1 {
		t.Fatalf("最大桶计数不符: %d", last)
	}
}
