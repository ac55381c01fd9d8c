package market

import "testing"

func TestCalculatePayment(t *testing.T) {
	cases := []struct {
		name     string
		price    int64
		approved bool
		score    int
		want     int64
	}{
		{"满分全额", 100, true, 100, 100},
		{"按比例折算", 40, true, 90, 36},
		{"比例向下取整", 33, true, 50, 16},
		{"零分不付款", 100, true, 0, 0},
		{"未通过不付款", 100, false, 100, 0},
		{"评分超上限截断", 50, true, 120, 50},
		{"负分截断为零", 50, true, -10, 0},
		{"零价无款可付", 0, true, 100, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := calculatePayment(tc.price, tc.approved, tc.score); got != tc.want {
				t.Fatalf("calculatePayment(%d, %v, %d) = %d, want %d",
					tc.price, tc.approved, tc.score, got, tc.want)
			}
		})
	}
}

func TestFinalReviewPicksLatest(t *testing.T) {
	reviews := []Review{
		{Role: "builder", Approved: false, Score: 30},
		{Role: "analyst", Approved: true, Score: 80},
		{Role: "builder", Approved: true, Score: 60},
	}

	verdict, ok := finalReview(reviews, "builder")
	if !ok || !verdict.Approved || verdict.Score != 60 {
		t.Fatalf("应取 builder 的最后一条评审: %+v ok=%v", verdict, ok)
	}
	if _, ok := finalReview(reviews, "tester"); ok {
		t.Fatal("没有评审记录的角色不应命中")
	}
}
