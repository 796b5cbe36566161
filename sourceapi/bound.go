package sourceapi

import "context"

// BoundClient pairs a Client with the PageFetcher for one endpoint's
// pagination strategy, giving the Chunk Processor a single FetchPage call
// that no longer needs to thread the fetcher through (§4.4). Constructed
// once per chunk invocation by the processor's ClientFactory.
type BoundClient struct {
	client  *Client
	fetcher PageFetcher
}

// NewBoundClient binds client to fetcher.
func NewBoundClient(client *Client, fetcher PageFetcher) *BoundClient {
	return &BoundClient{client: client, fetcher: fetcher}
}

// FetchPage delegates to the bound Client/PageFetcher pair.
func (b *BoundClient) FetchPage(ctx context.Context, cursor PageCursor, pageSize int, params FetchPageParams) (FetchResult, PageCursor, error) {
	return b.client.FetchPage(ctx, b.fetcher, cursor, pageSize, params)
}
