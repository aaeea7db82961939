// Package ubl renders computed invoices into UBL 2.1 documents.
package ubl

// Namespaces used in rendered and signed documents.
const (
	NSInvoice = "urn:oasis:names:specification:ubl:schema:xsd:Invoice-2"
	NSCAC     = "urn:oasis:names:specification:ubl:schema:xsd:CommonAggregateComponents-2"
	NSCBC     = "urn:oasis:names:specification:ubl:schema:xsd:CommonBasicComponents-2"
	NSEXT     = "urn:oasis:names:specification:ubl:schema:xsd:CommonExtensionComponents-2"
)

// Identifiers of the chain and QR attachments.
const (
	RefICV = "ICV"
	RefPIH = "PIH"
	RefQR  = "QR"
)

const (
	schemeTaxCategory = "UN/ECE 5305"
	schemeTaxScheme   = "UN/ECE 5153"
	schemeAgency      = "6"
)
