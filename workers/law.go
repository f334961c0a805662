package workers

import (
	"context"
	"fmt"
	"strings"

	"github.com/zipsa-ai/zipsa/core"
	"github.com/zipsa-ai/zipsa/engine"
)

// Priority-repayment ceilings for small lessees under the Housing Lease
// Protection Act, by region tier (deposit ceiling, protected amount, won).
type leaseProtection struct {
	Tier            string
	DepositCeiling  int64
	ProtectedAmount int64
}

var leaseProtectionTiers = []leaseProtection{
	{Tier: "서울특별시", DepositCeiling: 165_000_000, ProtectedAmount: 55_000_000},
	{Tier: "과밀억제권역", DepositCeiling: 145_000_000, ProtectedAmount: 48_000_000},
	{Tier: "광역시", DepositCeiling: 85_000_000, ProtectedAmount: 28_000_000},
	{Tier: "그 밖의 지역", DepositCeiling: 75_000_000, ProtectedAmount: 25_000_000},
}

var seoulRegions = map[string]bool{
	"강남": true, "서초": true, "송파": true, "마포": true,
	"성동": true, "용산": true, "종로": true, "영등포": true,
}

const (
	sourceLeaseAct     = "주택임대차보호법 (2023 개정)"
	sourceBrokerageAct = "공인중개사법 시행규칙"
)

// Contract checklist items surfaced with every consultation answer.
var contractChecklist = []string{
	"등기부등본에서 근저당·가압류 등 선순위 권리를 확인하세요",
	"전입신고와 확정일자를 잔금일에 바로 받으세요",
	"임대인 본인 명의 계좌로만 보증금을 이체하세요",
	"전세보증금 반환보증 가입 가능 여부를 확인하세요",
}

// LawWorker answers lease-protection and contract questions. When price and
// finance payloads are collected upstream it tailors the deposit guidance
// to the actual amounts.
type LawWorker struct {
	logger core.Logger
}

// NewLawWorker creates a law worker.
func NewLawWorker(logger core.Logger) *LawWorker {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &LawWorker{logger: logger}
}

func (w *LawWorker) Name() string { return engine.WorkerLaw }

func (w *LawWorker) Execute(ctx context.Context, input *engine.WorkerInput) (*engine.WorkerOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	region := paramString(input.Parameters, engine.EntityLocation)
	tier := tierFor(region)

	deposit := w.depositBasis(input)

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s 기준 소액임차인 보호 한도는 보증금 %s 이하일 때 최우선변제금 %s입니다.",
		tier.Tier, formatWon(tier.DepositCeiling), formatWon(tier.ProtectedAmount))

	protected := deposit > 0 && deposit <= tier.DepositCeiling
	if deposit > 0 {
		if protected {
			fmt.Fprintf(&sb, " 보증금 %s은(는) 소액임차인 보호 대상입니다.", formatWon(deposit))
		} else {
			fmt.Fprintf(&sb, " 보증금 %s은(는) 한도를 초과하므로 확정일자 우선변제권 확보가 특히 중요합니다.", formatWon(deposit))
		}
	}
	sb.WriteString("\n계약 전 체크리스트:")
	for _, item := range contractChecklist {
		sb.WriteString("\n- ")
		sb.WriteString(item)
	}

	return &engine.WorkerOutput{
		Payload: map[string]interface{}{
			"summary":          sb.String(),
			"tier":             tier.Tier,
			"deposit_ceiling":  tier.DepositCeiling,
			"protected_amount": tier.ProtectedAmount,
			"deposit_basis":    deposit,
			"small_lessee":     protected,
			"checklist":        contractChecklist,
		},
		Confidence: 0.75,
		Sources:    []string{sourceLeaseAct, sourceBrokerageAct},
	}, nil
}

// depositBasis derives a deposit amount from upstream payloads or entities:
// finance loan capacity first, then the market average, then the query.
func (w *LawWorker) depositBasis(input *engine.WorkerInput) int64 {
	if finance, ok := input.CollectedData[engine.WorkerFinance]; ok && finance.Payload != nil {
		if v, ok := toInt64(finance.Payload["price_basis"]); ok && v > 0 {
			return v
		}
	}
	if price, ok := input.CollectedData[engine.WorkerPrice]; ok && price.Payload != nil {
		if v, ok := toInt64(price.Payload["average_won"]); ok && v > 0 {
			return v
		}
	}
	return paramPrice(input.Parameters)
}

func tierFor(region string) leaseProtection {
	if seoulRegions[region] {
		return leaseProtectionTiers[0]
	}
	if region == "" {
		return leaseProtectionTiers[3]
	}
	// Named but unknown regions get the metropolitan tier
	return leaseProtectionTiers[2]
}
