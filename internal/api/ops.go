package api

// gqlURL is the base of every catalogued operation's URL path.
var gqlURL = "https://x.com/i/api/graphql"

// Operation is one catalogued remote query: an opaque rotating identifier
// paired with a stable human-readable name. The name doubles as the
// per-account lease key (queue name).
type Operation struct {
	ID   string
	Name string

	// CursorType selects which cursor object advances the page; "Bottom"
	// unless overridden.
	CursorType string

	// FieldToggles, when non-nil, is sent as an extra query parameter.
	FieldToggles map[string]bool
}

// Path returns the URL path segment for the operation.
func (op Operation) Path() string { return op.ID + "/" + op.Name }

// The operation catalogue. When the remote rotates identifiers, only this
// table changes.
var (
	OpSearchTimeline = Operation{ID: "L1VfBERtzc3VkBBT0YAYHA", Name: "SearchTimeline"}
	OpUserByRestId   = Operation{ID: "Lxg1V9AiIzzXEiP2c8dRnw", Name: "UserByRestId"}
	OpUserByScreen   = Operation{ID: "oUZZZ8Oddwxs8Cd3iW3UEA", Name: "UserByScreenName"}
	OpTweetDetail = Operation{
		ID: "NmCeCgkVlsRGS1cAwqtgmw", Name: "TweetDetail",
		FieldToggles: map[string]bool{"withArticleRichContentState": false, "withArticlePlainText": false},
	}
	OpTweetReplies = Operation{
		ID: "NmCeCgkVlsRGS1cAwqtgmw", Name: "TweetDetail", CursorType: "ShowMoreThreads",
		FieldToggles: map[string]bool{"withArticleRichContentState": false, "withArticlePlainText": false},
	}
	OpFollowers   = Operation{ID: "FKV1jfu4AawGapl2KCZbQw", Name: "Followers"}
	OpFollowing   = Operation{ID: "sKlU5dd_nanz9P2CxBt2sg", Name: "Following"}
	OpRetweeters  = Operation{ID: "Gnw_Swm60cS-biSLn2OWNw", Name: "Retweeters"}
	OpFavoriters  = Operation{ID: "rUyh8HWk8IXv_fvVKj3QjA", Name: "Favoriters"}
	OpUserTweets  = Operation{ID: "x8SpjuBpqoww-edf0aUUKA", Name: "UserTweets"}
	OpUserReplies = Operation{
		ID: "RB2KVuVBRZe4GW8KkoVF2A", Name: "UserTweetsAndReplies",
		FieldToggles: map[string]bool{"withArticleRichContentState": false, "withArticlePlainText": false},
	}
	OpListTimeline = Operation{ID: "2Vjeyo_L0nizAUhHe3fKyA", Name: "ListLatestTweetsTimeline"}
)

// gqlFeatures is the feature-flag bag the remote requires on every query.
// The set evolves; a "features cannot be null" rejection means this table is
// stale.
var gqlFeatures = map[string]bool{
	"blue_business_profile_image_shape_enabled":                               true,
	"responsive_web_graphql_exclude_directive_enabled":                        true,
	"verified_phone_label_enabled":                                            false,
	"responsive_web_graphql_skip_user_profile_image_extensions_enabled":       false,
	"responsive_web_graphql_timeline_navigation_enabled":                      true,
	"tweetypie_unmention_optimization_enabled":                                true,
	"vibe_api_enabled":                                                        true,
	"responsive_web_edit_tweet_api_enabled":                                   true,
	"graphql_is_translatable_rweb_tweet_is_translatable_enabled":              true,
	"view_counts_everywhere_api_enabled":                                      true,
	"longform_notetweets_consumption_enabled":                                 true,
	"tweet_awards_web_tipping_enabled":                                        false,
	"freedom_of_speech_not_reach_fetch_enabled":                               true,
	"standardized_nudges_misinfo":                                             true,
	"tweet_with_visibility_results_prefer_gql_limited_actions_policy_enabled": false,
	"interactive_text_enabled":                                                true,
	"responsive_web_text_conversations_enabled":                               false,
	"longform_notetweets_rich_text_read_enabled":                              true,
	"responsive_web_enhance_cards_enabled":                                    false,
	"creator_subscriptions_tweet_preview_api_enabled":                         true,
	"longform_notetweets_inline_media_enabled":                                true,
	"responsive_web_media_download_video_enabled":                             false,
	"rweb_lists_timeline_redesign_enabled":                                    true,
	"responsive_web_twitter_article_tweet_consumption_enabled":                false,
}
