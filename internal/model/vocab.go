package model

// Category vocabulary.
const (
	CategoryRegulatoryAction     = "regulatory_action"
	CategoryLawsuit              = "lawsuit"
	CategoryFine                 = "fine"
	CategoryDataBreach           = "data_breach"
	CategoryFraud                = "fraud"
	CategoryOperationalOutage    = "operational_outage"
	CategoryDiscrimination       = "discrimination"
	CategorySanctionsAML         = "sanctions_aml"
	CategoryExecutiveMisconduct  = "executive_misconduct"
	CategoryESGControversy       = "esg_controversy"
	CategoryLaborDispute         = "labor_dispute"
	CategoryCustomerService      = "customer_service_crisis"
	CategoryTechnologyFailure    = "technology_failure"
	CategoryPartnershipFailure   = "partnership_failure"
	CategoryGovernanceIssue      = "governance_issue"
	CategoryMarketManipulation   = "market_manipulation"
	CategoryPredatoryPractices   = "predatory_practices"
	CategoryInvestigation        = "investigation"
	CategoryFinancialPerformance = "financial_performance"
	CategoryBrandMarketing       = "brand_marketing"
	CategoryOther                = "other"
)

// Nature vocabulary.
const (
	NatureComplianceFailure     = "compliance_failure"
	NatureCustomerTrust         = "customer_trust"
	NatureGovernance            = "governance"
	NatureOperationalResilience = "operational_resilience"
	NatureDataSecurity          = "data_security"
	NatureFairness              = "fairness_discrimination"
	NatureMarketIntegrity       = "market_integrity"
	NatureExecutiveConduct      = "executive_conduct"
	NatureEnvironmentalSocial   = "environmental_social"
	NatureLaborRelations        = "labor_relations"
	NatureProductControversy    = "product_controversy"
	NaturePartnerReputation     = "partner_reputation"
	NatureOther                 = "other"
)

// Regulator vocabulary.
const (
	RegulatorOCC     = "OCC"
	RegulatorFDIC    = "FDIC"
	RegulatorFRB     = "FRB"
	RegulatorSEC     = "SEC"
	RegulatorCFPB    = "CFPB"
	RegulatorDOJ     = "DOJ"
	RegulatorStateAG = "State AG"
	RegulatorNYDFS   = "NYDFS"
	RegulatorNCUA    = "NCUA"
	RegulatorOther   = "Other"
)

var Categories = []string{
	CategoryRegulatoryAction, CategoryLawsuit, CategoryFine, CategoryDataBreach,
	CategoryFraud, CategoryOperationalOutage, CategoryDiscrimination, CategorySanctionsAML,
	CategoryExecutiveMisconduct, CategoryESGControversy, CategoryLaborDispute,
	CategoryCustomerService, CategoryTechnologyFailure, CategoryPartnershipFailure,
	CategoryGovernanceIssue, CategoryMarketManipulation, CategoryPredatoryPractices,
	CategoryInvestigation, CategoryFinancialPerformance, CategoryBrandMarketing, CategoryOther,
}

var Natures = []string{
	NatureComplianceFailure, NatureCustomerTrust, NatureGovernance, NatureOperationalResilience,
	NatureDataSecurity, NatureFairness, NatureMarketIntegrity, NatureExecutiveConduct,
	NatureEnvironmentalSocial, NatureLaborRelations, NatureProductControversy,
	NaturePartnerReputation, NatureOther,
}

var Regulators = []string{
	RegulatorOCC, RegulatorFDIC, RegulatorFRB, RegulatorSEC, RegulatorCFPB,
	RegulatorDOJ, RegulatorStateAG, RegulatorNYDFS, RegulatorNCUA, RegulatorOther,
}

var (
	categorySet  = toSet(Categories)
	natureSet    = toSet(Natures)
	regulatorSet = toSet(Regulators)
)

func IsCategory(s string) bool  { _, ok := categorySet[s]; return ok }
func IsNature(s string) bool    { _, ok := natureSet[s]; return ok }
func IsRegulator(s string) bool { _, ok := regulatorSet[s]; return ok }

func toSet(in []string) map[string]struct{} {
	m := make(map[string]struct{}, len(in))
	for _, s := range in {
		m[s] = struct{}{}
	}
	return m
}
