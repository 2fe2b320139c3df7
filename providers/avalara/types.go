package avalara

// Wire types for the subset of the AvaTax REST v2 API this provider uses.

type addressInfo struct {
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Country    string `json:"country,omitempty"`
}

type addressesModel struct {
	SingleLocation addressInfo `json:"singleLocation"`
}

type lineItem struct {
	Number   string  `json:"number"`
	Quantity float64 `json:"quantity"`
	Amount   float64 `json:"amount"`
	TaxCode  string  `json:"taxCode,omitempty"`
}

type createTransactionRequest struct {
	Type          string         `json:"type"`
	CompanyCode   string         `json:"companyCode"`
	Date          string         `json:"date"`
	CustomerCode  string         `json:"customerCode"`
	EntityUseCode string         `json:"entityUseCode,omitempty"`
	Addresses     addressesModel `json:"addresses"`
	Lines         []lineItem     `json:"lines"`
	Commit        bool           `json:"commit"`
}

type transactionSummary struct {
	Country   string  `json:"country"`
	Region    string  `json:"region"`
	JurisType string  `json:"jurisType"`
	JurisCode string  `json:"jurisCode"`
	JurisName string  `json:"jurisName"`
	TaxName   string  `json:"taxName"`
	Rate      float64 `json:"rate"`
	Tax       float64 `json:"tax"`
}

type transactionResponse struct {
	Code     string               `json:"code"`
	Date     string               `json:"date"`
	TotalTax float64              `json:"totalTax"`
	Summary  []transactionSummary `json:"summary"`
}

type resolveRequest struct {
	addressInfo
	TextCase string `json:"textCase,omitempty"`
}

type validatedAddress struct {
	addressInfo
	AddressType string `json:"addressType"`
}

type avataxMessage struct {
	Summary  string `json:"summary"`
	Details  string `json:"details"`
	Severity string `json:"severity"`
	Source   string `json:"source"`
}

type resolveResponse struct {
	Address            addressInfo        `json:"address"`
	ValidatedAddresses []validatedAddress `json:"validatedAddresses"`
	ResolutionQuality  string             `json:"resolutionQuality"`
	Messages           []avataxMessage    `json:"messages"`
}

type pingResponse struct {
	Version            string `json:"version"`
	Authenticated      bool   `json:"authenticated"`
	AuthenticationType string `json:"authenticationType"`
}
